// Package pty wraps a shell process running on a pseudo-terminal.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"unicode/utf8"

	"github.com/creack/pty"
)

// ErrProcessExited is returned by Write and Resize once the shell has exited.
var ErrProcessExited = errors.New("pty: process has exited")

const readChunkSize = 32 * 1024

// Config holds configuration for spawning a new process.
type Config struct {
	Command string
	Args    []string
	Cols    int
	Rows    int
	Env     []string
	WorkDir string
}

// Process is one shell running on a PTY. Output is delivered by the reader
// started with StartOutputReader; the exit callback fires exactly once and no
// output callback follows it.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	exited   bool
	exitCode int

	waitDone   chan struct{}
	readerOnce sync.Once
}

// Spawn starts cfg.Command on a new PTY with the requested initial size.
func Spawn(cfg Config) (*Process, error) {
	command := cfg.Command
	if command == "" {
		command = "/bin/bash"
	}

	rows := cfg.Rows
	if rows <= 0 {
		rows = 30
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &Process{
		cmd:      cmd,
		ptmx:     ptmx,
		resumeCh: closedChan(),
		waitDone: make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		p.mu.Lock()
		p.exited = true
		p.exitCode = code
		p.mu.Unlock()
		close(p.waitDone)
	}()

	return p, nil
}

// Pid returns the OS process id of the shell.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartOutputReader begins delivering output chunks to onOutput and the exit
// code to onExit. Only the first call has any effect.
func (p *Process) StartOutputReader(onOutput func([]byte), onExit func(code int)) {
	p.readerOnce.Do(func() {
		go p.readLoop(onOutput, onExit)
	})
}

func (p *Process) readLoop(onOutput func([]byte), onExit func(code int)) {
	buf := make([]byte, readChunkSize)
	var carry []byte

	for p.awaitResume() {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			chunk, carry = splitIncompleteRune(chunk)
			if len(chunk) > 0 && onOutput != nil {
				onOutput(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	<-p.waitDone
	_ = p.ptmx.Close()

	if len(carry) > 0 && onOutput != nil && !p.isPaused() {
		onOutput(carry)
	}

	p.mu.Lock()
	code := p.exitCode
	p.mu.Unlock()
	if onExit != nil {
		onExit(code)
	}
}

// awaitResume blocks while output is paused. It returns false when the
// process exits during the pause; buffered output is then abandoned.
func (p *Process) awaitResume() bool {
	for {
		p.mu.Lock()
		if !p.paused {
			p.mu.Unlock()
			return true
		}
		ch := p.resumeCh
		p.mu.Unlock()

		select {
		case <-ch:
		case <-p.waitDone:
			return false
		}
	}
}

// Write writes input to the shell.
func (p *Process) Write(b []byte) (int, error) {
	if p.Exited() {
		return 0, ErrProcessExited
	}
	n, err := p.ptmx.Write(b)
	if err != nil && p.Exited() {
		return n, ErrProcessExited
	}
	return n, err
}

// Resize changes the PTY window size.
func (p *Process) Resize(cols, rows int) error {
	if p.Exited() {
		return ErrProcessExited
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("pty: invalid size %dx%d", cols, rows)
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		if p.Exited() {
			return ErrProcessExited
		}
		return fmt.Errorf("pty: resize: %w", err)
	}
	return nil
}

// Pause stops output delivery. The shell keeps running until the kernel PTY
// buffer fills and its writes block.
func (p *Process) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.resumeCh = make(chan struct{})
}

// Resume restarts output delivery after Pause.
func (p *Process) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resumeCh)
}

func (p *Process) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Exited reports whether the shell has exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Kill terminates the shell. The exit callback still fires through the reader.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	if err := p.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) && err != io.EOF {
		return err
	}
	return nil
}

// splitIncompleteRune holds back a trailing partial UTF-8 sequence so a rune
// is never split across two output chunks.
func splitIncompleteRune(b []byte) (complete, tail []byte) {
	start := len(b) - utf8.UTFMax + 1
	if start < 0 {
		start = 0
	}
	for i := len(b) - 1; i >= start; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], append([]byte(nil), b[i:]...)
	}
	return b, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
