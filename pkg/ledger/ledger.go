// Package ledger records fragment fetch attempts in a local SQLite
// database so operators can audit source behavior over time.
//
// The ledger is write-mostly: the fallback coordinator appends one row
// per attempt, and `demflow sources stats` aggregates them.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"
)

const driverName = "demflow-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Outcome classifies one fetch attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNoData    Outcome = "no_data"
	OutcomeThrottled Outcome = "throttled"
	OutcomeRetryable Outcome = "retryable"
	OutcomeInvalid   Outcome = "invalid_payload"
	OutcomeSkipped   Outcome = "skipped_backoff"
)

// Attempt is one recorded fetch attempt.
type Attempt struct {
	JobID    string
	Source   string
	Fragment string
	Outcome  Outcome
	Bytes    int64
	Duration time.Duration
	Error    string
	At       time.Time
}

// SourceStats aggregates attempts per source.
type SourceStats struct {
	Source    string
	Attempts  int64
	Successes int64
	NoData    int64
	Failures  int64
	Bytes     int64
}

// Ledger is a SQLite-backed attempt log. Safe for use from one process;
// WAL and busy_timeout keep concurrent processes from tripping over
// each other.
type Ledger struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Single connection keeps modernc sqlite happy under concurrency.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS fetch_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			source TEXT NOT NULL,
			fragment TEXT NOT NULL,
			outcome TEXT NOT NULL,
			bytes INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			attempted_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_attempts_source ON fetch_attempts(source);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return nil
}

// Record appends one attempt row.
func (l *Ledger) Record(ctx context.Context, a Attempt) error {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO fetch_attempts (job_id, source, fragment, outcome, bytes, duration_ms, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.JobID, a.Source, a.Fragment, string(a.Outcome), a.Bytes,
		a.Duration.Milliseconds(), a.Error, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record fetch attempt: %w", err)
	}
	return nil
}

// Stats aggregates attempts grouped by source.
func (l *Ledger) Stats(ctx context.Context) ([]SourceStats, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT source,
		       COUNT(*),
		       SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = 'no_data' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome IN ('throttled', 'retryable', 'invalid_payload') THEN 1 ELSE 0 END),
		       SUM(bytes)
		FROM fetch_attempts
		GROUP BY source
		ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("query ledger stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SourceStats
	for rows.Next() {
		var s SourceStats
		if err := rows.Scan(&s.Source, &s.Attempts, &s.Successes, &s.NoData, &s.Failures, &s.Bytes); err != nil {
			return nil, fmt.Errorf("scan ledger stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
