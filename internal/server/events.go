package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/workspace/term-relay/internal/persistence"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.writeEvents(w, r, "")
}

func (s *Server) handleListTerminalEvents(w http.ResponseWriter, r *http.Request) {
	s.writeEvents(w, r, chi.URLParam(r, "name"))
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, terminal string) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events":     []persistence.Event{},
			"nextCursor": nil,
		})
		return
	}

	limit := parseEventLimit(r.URL.Query().Get("limit"))
	page, err := s.store.ListEvents(terminal, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var next interface{}
	if page.NextCursor != "" {
		next = page.NextCursor
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":     page.Events,
		"nextCursor": next,
	})
}

func parseEventLimit(raw string) int {
	if raw == "" {
		return 100
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 100
	}
	if parsed > 500 {
		return 500
	}
	return parsed
}
