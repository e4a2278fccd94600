// Package history keeps a persistent record of polling runs. Each run
// of the mqtt, files or show command appends one row with its publish
// totals, so outcomes survive restarts and can be summarized later.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "history.db"

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one completed polling run.
type Run struct {
	ID         string    `json:"id"`
	Machine    string    `json:"machine"`
	Mode       string    `json:"mode"`
	Started    time.Time `json:"started"`
	Ended      time.Time `json:"ended"`
	Cancelled  bool      `json:"cancelled"`
	Published  int64     `json:"published"`
	Suppressed int64     `json:"suppressed"`
	Failed     int64     `json:"failed"`
	Discovery  int64     `json:"discovery"`
}

// Summary holds aggregated totals over a set of runs.
type Summary struct {
	Runs       int   `json:"runs"`
	Published  int64 `json:"published"`
	Suppressed int64 `json:"suppressed"`
	Failed     int64 `json:"failed"`
	Discovery  int64 `json:"discovery"`
}

// Store is an append-only SQLite store of runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		machine    TEXT NOT NULL,
		mode       TEXT NOT NULL,
		started    TEXT NOT NULL,
		ended      TEXT NOT NULL,
		cancelled  INTEGER NOT NULL DEFAULT 0,
		published  INTEGER NOT NULL DEFAULT 0,
		suppressed INTEGER NOT NULL DEFAULT 0,
		failed     INTEGER NOT NULL DEFAULT 0,
		discovery  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	`)
	return err
}

// Record appends a run. An empty ID is replaced with a UUIDv7.
func (s *Store) Record(ctx context.Context, r Run) error {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run ID: %w", err)
		}
		r.ID = id.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs
			(id, machine, mode, started, ended, cancelled, published, suppressed, failed, discovery)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Machine,
		r.Mode,
		r.Started.UTC().Format(timeLayout),
		r.Ended.UTC().Format(timeLayout),
		r.Cancelled,
		r.Published,
		r.Suppressed,
		r.Failed,
		r.Discovery,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine, mode, started, ended, cancelled, published, suppressed, failed, discovery
		 FROM runs
		 ORDER BY started DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r              Run
			started, ended string
		)
		if err := rows.Scan(&r.ID, &r.Machine, &r.Mode, &started, &ended, &r.Cancelled,
			&r.Published, &r.Suppressed, &r.Failed, &r.Discovery); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.Started, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse run %s start: %w", r.ID, err)
		}
		if r.Ended, err = time.Parse(timeLayout, ended); err != nil {
			return nil, fmt.Errorf("parse run %s end: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary returns aggregated totals for runs that started within
// [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(published), 0), COALESCE(SUM(suppressed), 0),
			COALESCE(SUM(failed), 0), COALESCE(SUM(discovery), 0)
		 FROM runs
		 WHERE started >= ? AND started < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Runs, &sum.Published, &sum.Suppressed, &sum.Failed, &sum.Discovery); err != nil {
		return nil, fmt.Errorf("query run summary: %w", err)
	}
	return &sum, nil
}
