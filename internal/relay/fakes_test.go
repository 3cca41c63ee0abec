package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeEvent is one item on a fakeProcess output stream.
type fakeEvent struct {
	data []byte
	exit bool
	code int
}

// fakeProcess mimics a PTY: output is delivered on its own goroutine, in
// order, once StartOutputReader has been called.
type fakeProcess struct {
	mu        sync.Mutex
	input     bytes.Buffer
	resizes   [][2]int
	paused    bool
	pauses    int
	resumes   int
	killed    bool
	exited    bool
	echo      bool
	resizeErr error
	delivered int

	events chan fakeEvent
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan fakeEvent, 1024)}
}

func (p *fakeProcess) StartOutputReader(onOutput func([]byte), onExit func(int)) {
	go func() {
		for ev := range p.events {
			if ev.exit {
				if onExit != nil {
					onExit(ev.code)
				}
				return
			}
			if onOutput != nil {
				onOutput(ev.data)
			}
			p.mu.Lock()
			p.delivered++
			p.mu.Unlock()
		}
	}()
}

func (p *fakeProcess) emit(data string) {
	p.events <- fakeEvent{data: []byte(data)}
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	p.events <- fakeEvent{exit: true, code: code}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, errors.New("process exited")
	}
	p.input.Write(b)
	echo := p.echo
	p.mu.Unlock()
	if echo {
		p.events <- fakeEvent{data: append([]byte(nil), b...)}
	}
	return len(b), nil
}

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resizeErr != nil {
		return p.resizeErr
	}
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProcess) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauses++
}

func (p *fakeProcess) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumes++
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) deliveredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered
}

func (p *fakeProcess) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// fakeConn records everything a session sends to it.
type fakeConn struct {
	id   string
	kind Kind

	mu     sync.Mutex
	chunks [][]byte
	exits  []int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, kind: KindEvents}
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) Kind() Kind        { return c.kind }
func (c *fakeConn) Principal() string { return "tester" }

func (c *fakeConn) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, append([]byte(nil), data...))
}

func (c *fakeConn) NotifyExit(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits = append(c.exits, code)
}

func (c *fakeConn) received() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(bytes.Join(c.chunks, nil))
}

func (c *fakeConn) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *fakeConn) exitCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.exits...)
}

// recordedEvent is one call to fakeRecorder.RecordEvent.
type recordedEvent struct {
	terminal string
	kind     string
	detail   map[string]interface{}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) RecordEvent(terminal, kind string, detail map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{terminal: terminal, kind: kind, detail: detail})
}

func (r *fakeRecorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// testRegistry builds a registry whose spawns are recorded for inspection.
type testRegistry struct {
	*Registry
	mu    sync.Mutex
	procs map[string][]*fakeProcess
	rec   *fakeRecorder
}

func newTestRegistry(t *testing.T, mutate func(*RegistryConfig)) *testRegistry {
	t.Helper()
	tr := &testRegistry{procs: make(map[string][]*fakeProcess), rec: &fakeRecorder{}}
	cfg := RegistryConfig{
		Spawn: func(name string) (Process, error) {
			p := newFakeProcess()
			tr.mu.Lock()
			tr.procs[name] = append(tr.procs[name], p)
			tr.mu.Unlock()
			return p, nil
		},
		ScrollbackLimit: DefaultScrollbackLimit,
		HighWatermark:   DefaultHighWatermark,
		LowWatermark:    DefaultLowWatermark,
		Events:          tr.rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr.Registry = NewRegistry(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := tr.CloseAll(ctx); err != nil {
			t.Errorf("CloseAll: %v", err)
		}
	})
	return tr
}

func (tr *testRegistry) proc(t *testing.T, name string) *fakeProcess {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	procs := tr.procs[name]
	if len(procs) == 0 {
		t.Fatalf("no process spawned for %q", name)
	}
	return procs[len(procs)-1]
}

func (tr *testRegistry) spawnCount(name string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.procs[name])
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connID(i int) string { return fmt.Sprintf("conn-%d", i) }
