package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/workspace/term-relay/internal/metrics"
)

// ErrInvalidName is returned for terminal names outside [A-Za-z0-9._-]{1,64}.
var ErrInvalidName = errors.New("invalid terminal name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// SpawnFunc starts the shell for a new session. The returned process must
// not deliver output until StartOutputReader is called.
type SpawnFunc func(name string) (Process, error)

// EventRecorder receives terminal lifecycle events.
type EventRecorder interface {
	RecordEvent(terminal, kind string, detail map[string]interface{})
}

// Event kinds passed to EventRecorder.
const (
	EventSessionCreated = "session.created"
	EventSessionExited  = "session.exited"
	EventClientAttached = "client.attached"
	EventClientDetached = "client.detached"
)

// RegistryConfig holds configuration for the session registry.
type RegistryConfig struct {
	Spawn           SpawnFunc
	ScrollbackLimit int
	HighWatermark   int
	LowWatermark    int
	// AttachCommand, when set, enables the persistent-multiplexer variant:
	// output is suppressed until the command returned for a terminal name
	// has been written on first resize.
	AttachCommand func(name string) string
	Events        EventRecorder
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Registry is the name-keyed table of live sessions.
type Registry struct {
	cfg      RegistryConfig
	logger   *slog.Logger
	mu       sync.Mutex
	sessions map[string]*Session
	// running counts sessions whose exit handler has not finished.
	running int
}

// SessionInfo summarises one session for listings.
type SessionInfo struct {
	Name    string `json:"name"`
	Clients int    `json:"clients"`
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// ValidName reports whether name can be used as a terminal name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Get returns the live session called name.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetOrCreate returns the session called name, spawning it if absent. The
// registry lock is held across the spawn so concurrent callers never start
// two shells for one name.
func (r *Registry) GetOrCreate(name string) (*Session, bool, error) {
	if !ValidName(name) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	if s, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		return s, false, nil
	}

	proc, err := r.cfg.Spawn(name)
	if err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("spawn terminal %q: %w", name, err)
	}

	var attachCommand string
	if r.cfg.AttachCommand != nil {
		attachCommand = r.cfg.AttachCommand(name)
	}
	s := newSession(sessionConfig{
		name:            name,
		proc:            proc,
		scrollbackLimit: r.cfg.ScrollbackLimit,
		highWatermark:   r.cfg.HighWatermark,
		lowWatermark:    r.cfg.LowWatermark,
		attachCommand:   attachCommand,
		onExit:          r.handleExit,
		metrics:         r.cfg.Metrics,
		logger:          r.logger,
	})
	r.sessions[name] = s
	r.running++
	r.mu.Unlock()

	r.cfg.Metrics.SessionOpened()
	r.logger.Info("Terminal created", "terminal", name, "persistent", attachCommand != "")
	r.record(name, EventSessionCreated, nil)
	s.start()
	return s, true, nil
}

// Attach binds c to the session called name, creating it if needed. A session
// that exits between lookup and bind is replaced by a fresh one.
func (r *Registry) Attach(name string, c Conn) (*Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		s, _, err := r.GetOrCreate(name)
		if err != nil {
			return nil, err
		}
		err = s.Attach(c)
		if errors.Is(err, ErrSessionClosed) {
			r.remove(s)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.record(name, EventClientAttached, map[string]interface{}{
			"conn":      c.ID(),
			"transport": string(c.Kind()),
			"principal": c.Principal(),
		})
		return s, nil
	}
	return nil, ErrSessionClosed
}

// Input writes p to the session called name, creating it if needed.
func (r *Registry) Input(name string, p []byte) (int, error) {
	for attempt := 0; attempt < 2; attempt++ {
		s, _, err := r.GetOrCreate(name)
		if err != nil {
			return 0, err
		}
		n, err := s.Input(p)
		if errors.Is(err, ErrSessionClosed) {
			r.remove(s)
			continue
		}
		return n, err
	}
	return 0, ErrSessionClosed
}

// Detach unbinds c from s.
func (r *Registry) Detach(s *Session, c Conn) {
	s.Detach(c)
	r.record(s.Name(), EventClientDetached, map[string]interface{}{
		"conn":      c.ID(),
		"transport": string(c.Kind()),
	})
}

// List returns every live session sorted by name.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	list := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, SessionInfo{Name: s.Name(), Clients: s.ClientCount()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll kills every shell and waits until each exit has been handled
// and recorded, or ctx is done.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Kill(); err != nil {
			r.logger.Warn("Failed to kill terminal", "terminal", s.Name(), "error", err)
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.runningCount() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d terminals to exit: %w", r.runningCount(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (r *Registry) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Registry) handleExit(s *Session, code int) {
	r.remove(s)
	r.record(s.Name(), EventSessionExited, map[string]interface{}{"exitCode": code})

	r.mu.Lock()
	r.running--
	r.mu.Unlock()
}

// remove deletes s if it is still the entry for its name, so a session
// leaves the registry exactly once.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.Name()]
	removed := ok && current == s
	if removed {
		delete(r.sessions, s.Name())
	}
	r.mu.Unlock()

	if removed {
		r.cfg.Metrics.SessionClosed()
		r.logger.Info("Terminal removed", "terminal", s.Name())
	}
}

func (r *Registry) record(terminal, kind string, detail map[string]interface{}) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.RecordEvent(terminal, kind, detail)
}
