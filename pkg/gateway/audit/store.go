// Package audit persists recovered anomalies (stray action results, repaired spans, corrupt
// chunks) so operators can review them after the session is gone.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS anomalies (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL,
	at_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS anomalies_session ON anomalies (session_id, at_ns);
CREATE INDEX IF NOT EXISTS anomalies_at ON anomalies (at_ns);
`

// Entry is a stored anomaly.
type Entry struct {
	ID            string `json:"id" yaml:"id"`
	types.Anomaly `yaml:",inline"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SessionID string
	Kind      string
	Since     time.Time
	Limit     int
}

// Store is a SQLite anomaly log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit database path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit database setup: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one anomaly.
func (s *Store) Record(ctx context.Context, a types.Anomaly) error {
	return s.RecordBatch(ctx, []types.Anomaly{a})
}

// RecordBatch stores anomalies in one transaction.
func (s *Store) RecordBatch(ctx context.Context, batch []types.Anomaly) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO anomalies (id, session_id, kind, stage, detail, at_ns) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range batch {
		at := a.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), a.SessionID, a.Kind, string(a.Stage), a.Detail, at.UnixNano()); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns matching anomalies, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		where = append(where, "at_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	query := "SELECT id, session_id, kind, stage, detail, at_ns FROM anomalies"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at_ns DESC, id"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			stage string
			atNS  int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &stage, &e.Detail, &atNS); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		e.Stage = types.Stage(stage)
		e.At = time.Unix(0, atNS).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}
