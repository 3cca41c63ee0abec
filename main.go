// Term Relay - shared terminal sessions over HTTP and websockets
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/term-relay/internal/config"
	"github.com/workspace/term-relay/internal/logging"
	"github.com/workspace/term-relay/internal/server"
)

func main() {
	logger := logging.Setup()
	logger.Info("Starting terminal relay...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		"port", cfg.Port,
		"defaultTerminal", cfg.DefaultTerminal,
		"persistent", cfg.PersistentSessions(),
	)

	// Create server
	srv, err := server.New(cfg)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case err := <-errCh:
		logger.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down...", "signal", sig.String())
	}

	// Graceful shutdown: close sockets, kill shells, close the event log
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Warn("Error during shutdown", "error", err)
	}

	logger.Info("Terminal relay stopped")
}
