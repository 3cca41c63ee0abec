package pty

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// outputCollector gathers PTY output from the reader goroutine.
type outputCollector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *outputCollector) add(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
}

func (c *outputCollector) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Contains(c.buf.Bytes(), []byte(s))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func spawnShell(t *testing.T) *Process {
	t.Helper()
	p, err := Spawn(Config{Command: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("failed to spawn shell: %v", err)
	}
	t.Cleanup(func() { _ = p.Kill() })
	return p
}

func TestProcess_DeliversOutput(t *testing.T) {
	p := spawnShell(t)

	var out outputCollector
	p.StartOutputReader(out.add, nil)

	if _, err := p.Write([]byte("echo relay-output-marker\n")); err != nil {
		t.Fatalf("write error: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool { return out.contains("relay-output-marker") }) {
		t.Fatal("expected output to contain echoed marker")
	}
}

func TestProcess_ExitFiresOnceWithCode(t *testing.T) {
	p := spawnShell(t)

	exitCh := make(chan int, 2)
	p.StartOutputReader(nil, func(code int) { exitCh <- code })

	_, _ = p.Write([]byte("exit 3\n"))

	select {
	case code := <-exitCh:
		if code != 3 {
			t.Fatalf("expected exit code 3, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}

	select {
	case <-exitCh:
		t.Fatal("exit callback fired twice")
	case <-time.After(200 * time.Millisecond):
	}

	if !p.Exited() {
		t.Fatal("expected Exited to be true")
	}
}

func TestProcess_ResizeAfterExitFails(t *testing.T) {
	p := spawnShell(t)

	done := make(chan struct{})
	p.StartOutputReader(nil, func(int) { close(done) })

	if err := p.Resize(100, 40); err != nil {
		t.Fatalf("resize on live process failed: %v", err)
	}

	_, _ = p.Write([]byte("exit\n"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	if err := p.Resize(100, 40); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	if _, err := p.Write([]byte("x")); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited on write, got %v", err)
	}
}

func TestProcess_PauseHoldsOutputUntilResume(t *testing.T) {
	p := spawnShell(t)

	var out outputCollector
	p.StartOutputReader(out.add, nil)

	// Let the prompt drain before pausing.
	time.Sleep(200 * time.Millisecond)
	p.Pause()
	// The reader may already be blocked in Read; it delivers at most one
	// more chunk before honouring the pause.
	_, _ = p.Write([]byte("echo first\n"))
	time.Sleep(200 * time.Millisecond)
	_, _ = p.Write([]byte("echo paused-marker\n"))
	time.Sleep(300 * time.Millisecond)

	if out.contains("paused-marker") {
		t.Fatal("expected no output while paused")
	}

	p.Resume()
	if !waitFor(t, 5*time.Second, func() bool { return out.contains("paused-marker") }) {
		t.Fatal("expected buffered output after resume")
	}
}

func TestProcess_KillDeliversExit(t *testing.T) {
	p := spawnShell(t)

	done := make(chan struct{})
	p.StartOutputReader(nil, func(int) { close(done) })

	if err := p.Kill(); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit after kill")
	}
}

func TestSplitIncompleteRune(t *testing.T) {
	euro := []byte("€") // 3 bytes

	tests := []struct {
		name         string
		in           []byte
		wantComplete []byte
		wantTail     []byte
	}{
		{name: "ascii", in: []byte("abc"), wantComplete: []byte("abc")},
		{name: "full rune", in: append([]byte("a"), euro...), wantComplete: append([]byte("a"), euro...)},
		{name: "one byte of three", in: append([]byte("a"), euro[0]), wantComplete: []byte("a"), wantTail: euro[:1]},
		{name: "two bytes of three", in: append([]byte("a"), euro[:2]...), wantComplete: []byte("a"), wantTail: euro[:2]},
		{name: "invalid byte passes through", in: []byte{'a', 0xff}, wantComplete: []byte{'a', 0xff}},
		{name: "empty", in: nil, wantComplete: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, tail := splitIncompleteRune(tt.in)
			if !bytes.Equal(complete, tt.wantComplete) {
				t.Errorf("complete = %q, want %q", complete, tt.wantComplete)
			}
			if !bytes.Equal(tail, tt.wantTail) {
				t.Errorf("tail = %q, want %q", tail, tt.wantTail)
			}
		})
	}
}
