// Package logging configures structured logging for the relay using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every record.
const ServiceName = "term-relay"

// Level is the process-wide log level. It can be changed at runtime.
var Level slog.LevelVar

// Setup installs the default logger from LOG_LEVEL (debug, info, warn, error;
// default info) and LOG_FORMAT (json, text; default json), writing to stderr.
func Setup() *slog.Logger {
	return SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig installs the default logger with explicit settings and
// routes the standard library logger (used by chi's request logger) into it.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", ServiceName)
	slog.SetDefault(logger)

	log.SetOutput(stdlibBridge{logger: logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel converts a level name to slog.Level. Unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the runtime level and returns the level now in effect.
func SetLevel(name string) slog.Level {
	lvl := ParseLevel(name)
	Level.Set(lvl)
	return lvl
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// stdlibBridge forwards standard library log output to slog.
type stdlibBridge struct {
	logger *slog.Logger
}

func (b stdlibBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\r\n"), "source", "stdlib")
	return len(p), nil
}
