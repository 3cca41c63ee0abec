package server

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace/term-relay/internal/config"
	"github.com/workspace/term-relay/internal/persistence"
	"github.com/workspace/term-relay/internal/relay"
)

func eventTypes(body map[string]interface{}) []string {
	raw, _ := body["events"].([]interface{})
	types := make([]string, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]interface{}); ok {
			types = append(types, m["type"].(string))
		}
	}
	return types
}

func TestEvents_RecordsLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	client, _, err := dialRaw(t, ts, "terminal=audit&token="+testToken, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	client.Close()

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/api/terminals/audit/events", testToken, nil)
		return len(eventTypes(body)) == 3
	}, 3*time.Second, 20*time.Millisecond)

	_, body := ts.do(t, http.MethodGet, "/api/terminals/audit/events", testToken, nil)
	assert.Equal(t, []string{
		relay.EventClientDetached,
		relay.EventClientAttached,
		relay.EventSessionCreated,
	}, eventTypes(body))
	assert.Nil(t, body["nextCursor"])

	events := body["events"].([]interface{})
	attached := events[1].(map[string]interface{})
	detail := attached["detail"].(map[string]interface{})
	assert.Equal(t, "raw", detail["transport"])
	assert.Equal(t, "api-token", detail["principal"])
}

func TestEvents_Pagination(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		resp, _ := ts.do(t, http.MethodPost, "/api/terminals/"+name+"/send", testToken, map[string]string{"data": "x"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	_, first := ts.do(t, http.MethodGet, "/api/events?limit=2", testToken, nil)
	require.Len(t, first["events"], 2)
	cursor, ok := first["nextCursor"].(string)
	require.True(t, ok)

	_, second := ts.do(t, http.MethodGet, "/api/events?limit=2&cursor="+cursor, testToken, nil)
	require.Len(t, second["events"], 1)
	assert.Nil(t, second["nextCursor"])

	resp, body := ts.do(t, http.MethodGet, "/api/events?cursor=nope", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestEvents_RequireAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStop_RecordsExitsBeforeClosingLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	ts := newTestServer(t, func(cfg *config.Config) { cfg.EventsDBPath = dbPath })

	for _, name := range []string{"work", "logs"} {
		resp, _ := ts.do(t, http.MethodPost, "/api/terminals/"+name+"/send", testToken, map[string]string{"data": "x"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Stop(ctx))
	assert.Equal(t, 0, ts.registry.Count())

	store, err := persistence.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	for _, name := range []string{"work", "logs"} {
		page, err := store.ListEvents(name, "", 10)
		require.NoError(t, err)
		require.NotEmpty(t, page.Events, name)
		assert.Equal(t, relay.EventSessionExited, page.Events[0].Type, name)
	}
}
