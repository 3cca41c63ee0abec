package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/workspace/term-relay/internal/relay"
)

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleSend writes to a terminal, starting it if needed.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !relay.ValidName(name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid terminal name %q", name))
		return
	}

	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Data == "" {
		writeError(w, http.StatusBadRequest, `Missing "data" field`)
		return
	}

	if _, err := s.registry.Input(name, []byte(body.Data)); err != nil {
		s.logger.Error("Terminal send failed", "terminal", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"sent": len(body.Data),
	})
}

// handleRead returns scrollback, optionally only the last ?lines=N lines.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	writeJSON(w, http.StatusOK, map[string]string{
		"output": string(sess.Read(lines)),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.ClearScrollback()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleResize resizes a terminal; missing dimensions default to 80x30. A
// defaulted size never triggers the persistent-session attach.
func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	resize := sess.Resize
	if body.Cols <= 0 || body.Rows <= 0 {
		// Filled-in sizes are not the client's geometry.
		resize = sess.ResizeDefault
	}
	if body.Cols <= 0 {
		body.Cols = 80
	}
	if body.Rows <= 0 {
		body.Rows = 30
	}

	if err := resize(body.Cols, body.Rows); err != nil {
		s.logger.Warn("Terminal resize failed", "terminal", sess.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"cols": body.Cols,
		"rows": body.Rows,
	})
}

// lookup resolves the {name} parameter, writing a 404 when it is not live.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*relay.Session, bool) {
	name := chi.URLParam(r, "name")
	sess, err := s.registry.Get(name)
	if errors.Is(err, relay.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Terminal %q not found", name))
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}
