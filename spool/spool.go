// Package spool persists undelivered batches in SQLite so that they survive
// a restart of the monitored process.
package spool

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one persisted batch.
type Entry struct {
	Kind      string
	RunUUID   string
	Sequence  int64
	Payload   []byte
	CreatedAt time.Time
}

// Spool is the durable outbox.
type Spool struct {
	db *sql.DB
}

// Open creates or opens a spool database at the given path.
//
// The database is configured with:
//   - WAL mode
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//   - a single connection (SQLite has one writer)
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to spool: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Spool{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Spool) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores a batch. Saving the same (kind, run, sequence) again replaces the payload.
func (s *Spool) Save(ctx context.Context, kind, runUUID string, seq int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (kind, run_uuid, sequence, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, run_uuid, sequence) DO UPDATE SET payload = excluded.payload`,
		kind, runUUID, seq, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s batch %d: %w", kind, seq, err)
	}
	return nil
}

// Delete removes a delivered or discarded batch. Deleting a missing batch is not an error.
func (s *Spool) Delete(ctx context.Context, kind, runUUID string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE kind = ? AND run_uuid = ? AND sequence = ?`,
		kind, runUUID, seq)
	if err != nil {
		return fmt.Errorf("delete %s batch %d: %w", kind, seq, err)
	}
	return nil
}

// Load returns all stored batches in insertion order.
func (s *Spool) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, run_uuid, sequence, payload, created_at FROM outbox ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load spool: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.Kind, &e.RunUUID, &e.Sequence, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan spool entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spool: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored batches.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}
