// Package audit persists an operational event log of recorder state
// transitions and finalization outcomes, for crash forensics and the
// status API. It is deliberately NOT an index over produced artifacts
// -- it stores no reference usable for searching media, only the
// state-machine trail.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Log wraps a SQLite-backed table of state_events.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Event is one row of the operational log.
type Event struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	DeviceID      string    `json:"device_id"`
	StreamType    string    `json:"stream_type"`
	FromState     string    `json:"from_state"`
	ToState       string    `json:"to_state"`
	At            time.Time `json:"at"`
	Detail        string    `json:"detail,omitempty"`
}

// Open creates (if absent) and opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	logger = logger.With("component", "audit")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS state_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id  TEXT NOT NULL DEFAULT '',
	device_id       TEXT NOT NULL,
	stream_type     TEXT NOT NULL,
	from_state      TEXT NOT NULL,
	to_state        TEXT NOT NULL,
	at              DATETIME NOT NULL,
	detail          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_state_events_device ON state_events(device_id, stream_type);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Record appends one event. Failure to write is logged, never fatal --
// the audit log is diagnostic, not part of the clip-production path.
func (l *Log) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO state_events (correlation_id, device_id, stream_type, from_state, to_state, at, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.CorrelationID, ev.DeviceID, ev.StreamType, ev.FromState, ev.ToState, ev.At.UTC(), ev.Detail,
	)
	if err != nil {
		l.logger.Warn("failed to record audit event", "error", err)
	}
}

// Recent returns the most recent limit events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, correlation_id, device_id, stream_type, from_state, to_state, at, detail
		 FROM state_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.CorrelationID, &ev.DeviceID, &ev.StreamType, &ev.FromState, &ev.ToState, &ev.At, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
