// Package relay multiplexes named PTY sessions across attached client
// connections: scrollback replay, broadcast, flow control and the tmux attach
// sequence all live here, independent of any wire protocol.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/term-relay/internal/metrics"
)

var (
	// ErrSessionNotFound is returned when a named session does not exist.
	ErrSessionNotFound = errors.New("terminal not found")
	// ErrSessionClosed is returned when operating on a session whose process exited.
	ErrSessionClosed = errors.New("terminal has exited")
)

// Kind identifies the wire protocol of a connection.
type Kind string

const (
	KindEvents Kind = "events"
	KindRaw    Kind = "raw"
)

// Conn is a client attachment as seen by a session. Send and NotifyExit must
// not block; per-connection ordering of Send calls must be preserved.
type Conn interface {
	ID() string
	Kind() Kind
	Principal() string
	// Send queues terminal output for delivery.
	Send(data []byte)
	// NotifyExit tells the client the shell exited. Raw sockets close
	// themselves afterwards; event channels stay open.
	NotifyExit(code int)
}

// Process is the PTY-backed shell owned by a session.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Pause()
	Resume()
	Kill() error
	StartOutputReader(onOutput func([]byte), onExit func(code int))
}

// Session is one running shell and the connections attached to it.
type Session struct {
	name      string
	proc      Process
	createdAt time.Time

	scrollback *Scrollback
	governor   *Governor
	sequencer  *AttachSequencer

	mu     sync.Mutex
	conns  map[string]Conn
	closed bool

	onExit  func(s *Session, code int)
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type sessionConfig struct {
	name            string
	proc            Process
	scrollbackLimit int
	highWatermark   int
	lowWatermark    int
	attachCommand   string
	onExit          func(s *Session, code int)
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		name:       cfg.name,
		proc:       cfg.proc,
		createdAt:  time.Now().UTC(),
		scrollback: NewScrollback(cfg.scrollbackLimit),
		governor:   NewGovernor(cfg.proc, cfg.highWatermark, cfg.lowWatermark),
		conns:      make(map[string]Conn),
		onExit:     cfg.onExit,
		metrics:    cfg.metrics,
		logger:     cfg.logger.With("terminal", cfg.name),
	}
	if cfg.attachCommand != "" {
		s.sequencer = NewAttachSequencer(cfg.attachCommand)
	}
	s.governor.OnChange(func(paused bool) {
		s.metrics.FlowChanged(paused)
		s.logger.Debug("Terminal flow control changed", "paused", paused, "outstanding", s.governor.Outstanding())
	})
	return s
}

// start begins consuming PTY output. Called once the session is registered.
func (s *Session) start() {
	s.proc.StartOutputReader(s.handleOutput, s.handleExit)
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// CreatedAt returns when the session was spawned.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Scrollback returns the session's output history.
func (s *Session) Scrollback() *Scrollback { return s.scrollback }

// Governor returns the session's flow-control governor.
func (s *Session) Governor() *Governor { return s.governor }

// ClientCount returns the number of attached connections.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Closed reports whether the shell has exited.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Attach binds c to the session and replays scrollback to c alone. Replay and
// registration happen under the broadcast lock, so c sees every byte exactly once.
func (s *Session) Attach(c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if history := s.scrollback.Bytes(); len(history) > 0 {
		c.Send(history)
	}
	s.conns[c.ID()] = c
	s.metrics.ConnectionAttached(string(c.Kind()))
	return nil
}

// Detach removes c. The shell keeps running with zero viewers.
func (s *Session) Detach(c Conn) {
	s.mu.Lock()
	_, ok := s.conns[c.ID()]
	delete(s.conns, c.ID())
	s.mu.Unlock()
	if ok {
		s.metrics.ConnectionDetached(string(c.Kind()))
	}
}

// Input writes client keystrokes to the shell after stripping DA replies.
func (s *Session) Input(p []byte) (int, error) {
	if s.Closed() {
		return 0, ErrSessionClosed
	}
	filtered := FilterInput(p)
	if len(filtered) == 0 {
		return 0, nil
	}
	n, err := s.proc.Write(filtered)
	s.metrics.Input(n)
	if err != nil {
		return n, fmt.Errorf("write to terminal %q: %w", s.name, err)
	}
	return n, nil
}

// Resize changes the PTY geometry to the client's real size. On
// persistent-multiplexer sessions the first successful resize also issues the
// attach command.
func (s *Session) Resize(cols, rows int) error {
	return s.resize(cols, rows, true)
}

// ResizeDefault applies a fallback geometry. It does not count as the client's
// first resize, so a persistent session stays unattached.
func (s *Session) ResizeDefault(cols, rows int) error {
	return s.resize(cols, rows, false)
}

func (s *Session) resize(cols, rows int, fromClient bool) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize terminal %q: %w", s.name, err)
	}
	if s.sequencer == nil || !fromClient {
		return nil
	}
	attached, err := s.sequencer.OnResize(processWriter{s.proc})
	if err != nil {
		return err
	}
	if attached {
		s.logger.Info("Attached persistent session", "cols", cols, "rows", rows)
	}
	return nil
}

// Ack acknowledges n bytes of output consumed by a client.
func (s *Session) Ack(n int) {
	s.governor.Ack(n)
}

// Read returns scrollback, limited to the trailing lastLines lines when positive.
func (s *Session) Read(lastLines int) []byte {
	return s.scrollback.Read(lastLines)
}

// ClearScrollback empties the session's history.
func (s *Session) ClearScrollback() {
	s.scrollback.Clear()
}

// Kill terminates the shell; the exit path then removes the session.
func (s *Session) Kill() error {
	return s.proc.Kill()
}

func (s *Session) handleOutput(raw []byte) {
	if s.sequencer != nil && !s.sequencer.Attached() {
		return
	}
	data := FilterOutput(raw)
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.scrollback.Append(data)
	s.governor.Produced(len(data))
	for _, c := range s.conns {
		c.Send(data)
	}
	s.metrics.Output(len(data))
}

func (s *Session) handleExit(code int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("Terminal exited", "exitCode", code, "clients", len(conns))
	for _, c := range conns {
		c.NotifyExit(code)
	}
	if s.governor.Paused() {
		s.metrics.FlowAbandoned()
	}
	if s.onExit != nil {
		s.onExit(s, code)
	}
}

// processWriter adapts Process to io.Writer for the attach sequencer.
type processWriter struct{ p Process }

func (w processWriter) Write(b []byte) (int, error) { return w.p.Write(b) }
