// Package audit records session events to a local SQLite database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/martinemde/conductor/agentloop"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seq INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	timestamp DATETIME NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// Store is an append-only event log.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open creates or opens the audit database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one event.
func (s *Store) Record(ctx context.Context, ev agentloop.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (seq, session_id, kind, iteration, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.SessionID, string(ev.Kind), ev.Iteration, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Run records events from sub until it is closed or ctx ends.
func (s *Store) Run(ctx context.Context, sub *agentloop.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := s.Record(ctx, ev); err != nil {
				s.logger.Warn("audit record failed",
					zap.String("session_id", ev.SessionID),
					zap.Uint64("seq", ev.Seq),
					zap.Error(err))
			}
		}
	}
}

// Events returns the recorded events of a session in publish order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]agentloop.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE session_id = ? ORDER BY seq, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []agentloop.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev agentloop.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("skipping malformed audit row", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// KindCount is the number of events of one kind.
type KindCount struct {
	Kind  agentloop.EventKind `json:"kind"`
	Count int                 `json:"count"`
}

// Summary counts a session's events by kind, ordered by kind.
func (s *Store) Summary(ctx context.Context, sessionID string) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE session_id = ? GROUP BY kind ORDER BY kind`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		var kind string
		if err := rows.Scan(&kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		kc.Kind = agentloop.EventKind(kind)
		out = append(out, kc)
	}
	return out, rows.Err()
}

// Sessions lists the session ids that have recorded events, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM events GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
