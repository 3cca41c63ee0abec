package server

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/workspace/term-relay/internal/auth"
	"github.com/workspace/term-relay/internal/relay"
	"github.com/workspace/term-relay/internal/transport"
)

// createUpgrader creates the raw socket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() gorilla.Upgrader {
	return gorilla.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	// The subdomain part must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// authorizeUpgrade runs the checks shared by both websocket endpoints before
// any session is touched: token, terminal name and origin.
func (s *Server) authorizeUpgrade(w http.ResponseWriter, r *http.Request, entry string) (auth.Principal, string, bool) {
	query := r.URL.Query()
	token := query.Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}

	principal, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.AuthFailure(entry, auth.Reason(err))
		s.logger.Info("WebSocket auth failed", "entry", entry, "error", err)
		if entry == "raw" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		} else {
			writeError(w, http.StatusUnauthorized, auth.Message(err))
		}
		return auth.Principal{}, "", false
	}

	name := query.Get("terminal")
	if name == "" {
		name = s.config.DefaultTerminal
	}
	if !relay.ValidName(name) {
		writeError(w, http.StatusBadRequest, "Invalid terminal name")
		return auth.Principal{}, "", false
	}

	if origin := r.Header.Get("Origin"); origin != "" && !s.isOriginAllowed(origin) {
		writeError(w, http.StatusForbidden, "Origin not allowed")
		return auth.Principal{}, "", false
	}
	return principal, name, true
}

func (s *Server) transportOptions(principal auth.Principal) transport.Options {
	return transport.Options{
		ID:           uuid.NewString(),
		Principal:    principal.String(),
		OutboxSize:   s.config.WSOutboxSize,
		WriteTimeout: s.config.WSWriteTimeout,
		RateLimit:    s.config.InputRateLimit,
		RateBurst:    s.config.InputRateBurst,
		Metrics:      s.metrics,
		Logger:       s.logger,
	}
}

// handleEventsWS serves the event channel.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	principal, name, ok := s.authorizeUpgrade(w, r, "events")
	if !ok {
		return
	}

	// Origin was validated above with wildcard support.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("Event channel upgrade failed", "error", err)
		return
	}
	defer ws.CloseNow()

	conn := transport.NewEventConn(ws, s.transportOptions(principal))
	sess, err := s.registry.Attach(name, conn)
	if err != nil {
		s.logger.Error("Failed to attach event channel", "terminal", name, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "Failed to start terminal")
		return
	}
	defer s.registry.Detach(sess, conn)

	s.logger.Info("Client attached", "terminal", name, "conn", conn.ID(), "transport", "events", "principal", principal.String())
	if err := conn.Serve(r.Context(), sess); err != nil {
		s.logger.Debug("Event channel closed", "terminal", name, "conn", conn.ID(), "error", err)
	}
	s.logger.Info("Client detached", "terminal", name, "conn", conn.ID(), "transport", "events")
}

// handleRawWS serves the raw socket.
func (s *Server) handleRawWS(w http.ResponseWriter, r *http.Request) {
	principal, name, ok := s.authorizeUpgrade(w, r, "raw")
	if !ok {
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Raw socket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := transport.NewRawConn(ws, s.transportOptions(principal))
	sess, err := s.registry.Attach(name, conn)
	if err != nil {
		s.logger.Error("Failed to attach raw socket", "terminal", name, "error", err)
		_ = ws.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseInternalServerErr, "Failed to start terminal"))
		return
	}
	defer s.registry.Detach(sess, conn)

	s.logger.Info("Client attached", "terminal", name, "conn", conn.ID(), "transport", "raw", "principal", principal.String())
	if err := conn.Serve(r.Context(), sess); err != nil {
		s.logger.Debug("Raw socket closed", "terminal", name, "conn", conn.ID(), "error", err)
	}
	s.logger.Info("Client detached", "terminal", name, "conn", conn.ID(), "transport", "raw")
}
