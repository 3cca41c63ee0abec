// Package config provides configuration loading for the terminal relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration values for the terminal relay.
type Config struct {
	// Server settings
	Port           int      `envconfig:"PORT" default:"17071"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3334"`

	// Auth settings
	JWTSecretKey string `envconfig:"JWT_SECRET_KEY"`
	APIToken     string `envconfig:"API_TOKEN"`

	// Session settings
	ScrollbackLimit int `envconfig:"SCROLLBACK_LIMIT" default:"50000"`
	HighWatermark   int `envconfig:"HIGH_WATERMARK" default:"100000"`
	LowWatermark    int `envconfig:"LOW_WATERMARK" default:"10000"`

	// PTY settings
	DefaultShell    string `envconfig:"DEFAULT_SHELL" default:"bash"`
	DefaultCols     int    `envconfig:"DEFAULT_COLS" default:"80"`
	DefaultRows     int    `envconfig:"DEFAULT_ROWS" default:"30"`
	WorkDir         string `envconfig:"TERMINAL_WORKDIR"`
	DefaultTerminal string `envconfig:"DEFAULT_TERMINAL" default:"default"`
	TmuxSession     string `envconfig:"TMUX_SESSION"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPIdleTimeout time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`

	// WebSocket settings
	WSReadBufferSize  int           `envconfig:"WS_READ_BUFFER_SIZE" default:"1024"`
	WSWriteBufferSize int           `envconfig:"WS_WRITE_BUFFER_SIZE" default:"1024"`
	WSOutboxSize      int           `envconfig:"WS_OUTBOX_SIZE" default:"1024"`
	WSWriteTimeout    time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	InputRateLimit    float64       `envconfig:"INPUT_RATE_LIMIT" default:"200"`
	InputRateBurst    int           `envconfig:"INPUT_RATE_BURST" default:"200"`

	// Event log; empty disables persistence.
	EventsDBPath string `envconfig:"EVENTS_DB_PATH" default:":memory:"`
	// Newest events kept in the log; 0 keeps everything.
	EventsRetention int `envconfig:"EVENTS_RETENTION" default:"10000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	if cfg.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.WorkDir = home
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecretKey == "" && c.APIToken == "" {
		errs = append(errs, errors.New("JWT_SECRET_KEY or API_TOKEN is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.ScrollbackLimit <= 0 {
		errs = append(errs, fmt.Errorf("SCROLLBACK_LIMIT must be positive, got %d", c.ScrollbackLimit))
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark {
		errs = append(errs, fmt.Errorf("LOW_WATERMARK (%d) must be positive and below HIGH_WATERMARK (%d)", c.LowWatermark, c.HighWatermark))
	}
	if c.DefaultCols <= 0 || c.DefaultRows <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_COLS/DEFAULT_ROWS must be positive, got %dx%d", c.DefaultCols, c.DefaultRows))
	}
	if c.EventsRetention < 0 {
		errs = append(errs, fmt.Errorf("EVENTS_RETENTION must not be negative, got %d", c.EventsRetention))
	}
	if c.DefaultTerminal == "" {
		errs = append(errs, errors.New("DEFAULT_TERMINAL must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PersistentSessions reports whether terminals are backed by tmux sessions.
func (c *Config) PersistentSessions() bool {
	return c.TmuxSession != ""
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
