package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/workspace/term-relay/internal/auth"
	"github.com/workspace/term-relay/internal/logging"
)

type principalKey struct{}

// routes configures the HTTP routes.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	// Request lines go through the standard logger, which logging bridges into slog.
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{Logger: log.Default(), NoColor: true}))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// No auth
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	// Websockets authenticate with the token query parameter before upgrading.
	r.Get("/ws", s.handleEventsWS)
	r.Get("/terminal", s.handleRawWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/terminals", s.handleListTerminals)
		r.Post("/terminals/{name}/send", s.handleSend)
		r.Get("/terminals/{name}/read", s.handleRead)
		r.Post("/terminals/{name}/clear", s.handleClear)
		r.Post("/terminals/{name}/resize", s.handleResize)
		r.Get("/terminals/{name}/events", s.handleListTerminalEvents)
		r.Get("/events", s.handleListEvents)

		r.Get("/log-level", s.handleGetLogLevel)
		r.Put("/log-level", s.handleSetLogLevel)
	})

	return r
}

// requireAuth rejects REST requests without a valid bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.verifier.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			s.metrics.AuthFailure("rest", auth.Reason(err))
			s.logger.Info("REST auth failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, auth.Message(err))
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(auth.Principal)
	return p
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"terminals": s.registry.Count(),
		"uptime":    int64(time.Since(s.startTime) / time.Second),
	})
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"level": logging.Level.Level().String()})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Level == "" {
		writeError(w, http.StatusBadRequest, `Missing "level" field`)
		return
	}
	lvl := logging.SetLevel(body.Level)
	s.logger.Info("Log level changed", "level", lvl.String(), "by", principalFrom(r).String())
	writeJSON(w, http.StatusOK, map[string]string{"level": lvl.String()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
