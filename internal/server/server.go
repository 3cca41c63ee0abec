// Package server exposes terminal sessions over REST, an event-channel
// websocket and a raw websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/workspace/term-relay/internal/auth"
	"github.com/workspace/term-relay/internal/config"
	"github.com/workspace/term-relay/internal/logging"
	"github.com/workspace/term-relay/internal/metrics"
	"github.com/workspace/term-relay/internal/persistence"
	"github.com/workspace/term-relay/internal/pty"
	"github.com/workspace/term-relay/internal/relay"
)

// Server is the terminal relay HTTP server.
type Server struct {
	config     *config.Config
	verifier   *auth.Verifier
	registry   *relay.Registry
	store      *persistence.Store
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	upgrader   websocket.Upgrader
	httpServer *http.Server
	handler    http.Handler
	startTime  time.Time
	logger     *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a new server instance whose terminals run real shells.
func New(cfg *config.Config) (*Server, error) {
	return newServer(cfg, nil)
}

// newServer builds the server. A nil spawn uses the PTY spawner.
func newServer(cfg *config.Config, spawn relay.SpawnFunc) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.JWTSecretKey, cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		config:    cfg,
		verifier:  verifier,
		metrics:   metrics.New(promReg),
		promReg:   promReg,
		startTime: time.Now(),
		logger:    logging.Component("server"),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if cfg.EventsDBPath != "" {
		store, err := persistence.Open(cfg.EventsDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		store.SetRetention(cfg.EventsRetention)
		s.store = store
	}

	if spawn == nil {
		spawn = s.spawnTerminal
	}
	regCfg := relay.RegistryConfig{
		Spawn:           spawn,
		ScrollbackLimit: cfg.ScrollbackLimit,
		HighWatermark:   cfg.HighWatermark,
		LowWatermark:    cfg.LowWatermark,
		Metrics:         s.metrics,
		Logger:          logging.Component("relay"),
	}
	if s.store != nil {
		regCfg.Events = s.store
	}
	if cfg.PersistentSessions() {
		regCfg.AttachCommand = func(name string) string {
			return relay.TmuxAttachCommand(relay.TmuxTarget(cfg.TmuxSession, name, cfg.DefaultTerminal))
		}
	}
	s.registry = relay.NewRegistry(regCfg)

	s.upgrader = s.createUpgrader()
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// Upgraded connections outlive Shutdown; they watch this context instead.
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the session registry.
func (s *Server) Registry() *relay.Registry {
	return s.registry
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Starting terminal relay",
		"addr", s.httpServer.Addr,
		"persistent", s.config.PersistentSessions(),
		"allowedOrigins", s.config.AllowedOrigins,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server: open websockets are closed, every shell
// is killed and its exit recorded, then the event log is closed.
func (s *Server) Stop(ctx context.Context) error {
	s.cancelBase()
	err := s.httpServer.Shutdown(ctx)

	if cerr := s.registry.CloseAll(ctx); cerr != nil {
		s.logger.Warn("Terminals still running at shutdown", "error", cerr)
	}

	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			s.logger.Warn("Failed to close event log", "error", cerr)
		}
	}
	return err
}

// spawnTerminal starts the shell backing a new terminal. Persistent
// terminals start as a bare shell that the attach sequencer later replaces
// with a tmux client.
func (s *Server) spawnTerminal(name string) (relay.Process, error) {
	cfg := pty.Config{
		Command: s.config.DefaultShell,
		Cols:    s.config.DefaultCols,
		Rows:    s.config.DefaultRows,
		WorkDir: s.config.WorkDir,
		Env:     []string{"TERM=xterm-256color", "COLORTERM=truecolor"},
	}
	if s.config.PersistentSessions() {
		cfg.Args = []string{"--norc", "--noprofile"}
	}

	proc, err := pty.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Spawned shell", "terminal", name, "pid", proc.Pid())
	return proc, nil
}
