// Package store opens and migrates the shared coordination database.
//
// All coordination state (tasks, locks, sessions, help requests) lives in
// one SQLite database so lock acquisition can rely on a single transactional
// store instead of cross-store coordination. The partial unique index on
// locks is what guarantees at most one active-or-soft lock per task even if
// two claimants race.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 1,
	status       TEXT NOT NULL DEFAULT 'queued',
	assignee     TEXT NOT NULL DEFAULT '',
	tags         TEXT NOT NULL DEFAULT '[]',
	depends_on   TEXT NOT NULL DEFAULT '[]',
	batch_id     TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS locks (
	task_id      TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	acquired_at  DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL,
	heartbeat_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS locks_exclusive
	ON locks(task_id) WHERE kind IN ('active','soft');
CREATE UNIQUE INDEX IF NOT EXISTS locks_helper
	ON locks(task_id, session_id) WHERE kind = 'helper';

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	agent_name       TEXT NOT NULL,
	agent_version    TEXT NOT NULL DEFAULT '',
	profile          TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'active',
	current_task     TEXT NOT NULL DEFAULT '',
	active_tasks     INTEGER NOT NULL DEFAULT 0,
	completed_tasks  INTEGER NOT NULL DEFAULT 0,
	help_requested   INTEGER NOT NULL DEFAULT 0,
	checked_in_at    DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	checked_out_at   DATETIME
);

CREATE TABLE IF NOT EXISTS help_requests (
	id                TEXT PRIMARY KEY,
	task_id           TEXT NOT NULL,
	requester_session TEXT NOT NULL,
	helper_session    TEXT NOT NULL DEFAULT '',
	kind              TEXT NOT NULL DEFAULT '',
	context           TEXT NOT NULL DEFAULT '',
	urgency           INTEGER NOT NULL DEFAULT 1,
	estimate_minutes  INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'open',
	outcome           TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	accepted_at       DATETIME,
	resolved_at       DATETIME
);
`

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Manager methods that must run inside a caller-owned transaction accept
// a Querier instead of reaching for the connection directly.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the shared SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the coordination database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw connection for single-statement operations.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
