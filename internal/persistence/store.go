// Package persistence keeps a SQLite-backed log of terminal lifecycle events
// so operators can see which terminals were created, attached and exited.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/term-relay/internal/logging"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultRetention is the number of newest events kept when none is set.
const DefaultRetention = 10000

// Event is one recorded terminal lifecycle event.
type Event struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"-"`
	Terminal  string                 `json:"terminal"`
	Type      string                 `json:"type"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt string                 `json:"createdAt"` // ISO 8601
}

// EventPage is one page of events, newest first. NextCursor is empty on the
// last page.
type EventPage struct {
	Events     []Event
	NextCursor string
}

// Store provides the event log backed by SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *slog.Logger
	retain int
}

// Open creates or opens a SQLite database at the given path. MemoryPath gives
// a database that lives as long as the Store.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != MemoryPath {
		dsn = fmt.Sprintf("file:%s?mode=rwc", dbPath)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)

	if dbPath != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db, logger: logging.Component("persistence"), retain: DefaultRetention}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// SetRetention caps the log at the newest n events. Zero or less keeps
// every event.
func (s *Store) SetRetention(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain = n
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		s.logger.Debug("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the events table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			terminal TEXT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 indexes events by terminal for per-terminal listings.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_terminal ON events(terminal, seq)`)
	return err
}

// InsertEvent stores ev, filling in ID and CreatedAt when empty.
func (s *Store) InsertEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt == "" {
		ev.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var detail string
	if len(ev.Detail) > 0 {
		raw, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("encode event detail: %w", err)
		}
		detail = string(raw)
	}

	_, err := s.db.Exec(
		"INSERT INTO events (id, terminal, type, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.ID, ev.Terminal, ev.Type, detail, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if s.retain > 0 {
		if _, err := s.db.Exec(
			"DELETE FROM events WHERE seq <= (SELECT MAX(seq) FROM events) - ?", s.retain,
		); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}
	return nil
}

// RecordEvent stores a lifecycle event, logging rather than returning
// failures so the terminal path never blocks on the event log.
func (s *Store) RecordEvent(terminal, kind string, detail map[string]interface{}) {
	if err := s.InsertEvent(Event{Terminal: terminal, Type: kind, Detail: detail}); err != nil {
		s.logger.Warn("Failed to record terminal event", "terminal", terminal, "type", kind, "error", err)
	}
}

// ListEvents returns up to limit events, newest first. An empty terminal
// lists events of every terminal. cursor is the NextCursor of a previous page.
func (s *Store) ListEvents(terminal, cursor string, limit int) (EventPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var before int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || parsed <= 0 {
			return EventPage{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		before = parsed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT seq, id, terminal, type, detail, created_at FROM events
		WHERE (? = '' OR terminal = ?) AND (? = 0 OR seq < ?)
		ORDER BY seq DESC LIMIT ?`,
		terminal, terminal, before, before, limit+1,
	)
	if err != nil {
		return EventPage{}, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		var detail string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Terminal, &ev.Type, &detail, &ev.CreatedAt); err != nil {
			return EventPage{}, fmt.Errorf("scan event: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return EventPage{}, fmt.Errorf("decode event detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, fmt.Errorf("iterate events: %w", err)
	}

	page := EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = strconv.FormatInt(page.Events[limit-1].Seq, 10)
	}
	return page, nil
}

// EventCount returns the number of stored events for terminal, or for every
// terminal when terminal is empty.
func (s *Store) EventCount(terminal string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE (? = '' OR terminal = ?)", terminal, terminal).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
