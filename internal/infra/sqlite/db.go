// Package sqlite provides the SQLite-backed task ledger for snapbot.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	now func() time.Time

	// OrderWindow is how long a freshly created order-upload task stays open.
	OrderWindow time.Duration
}

// Open creates or opens the SQLite database at dir/ledger.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now, OrderWindow: 24 * time.Hour}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// SetClock overrides the time source used for window classification.
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			real_name   TEXT NOT NULL DEFAULT '',
			email       TEXT NOT NULL DEFAULT '',
			tz          TEXT NOT NULL DEFAULT '',
			is_bot      BOOLEAN NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'active',
			reliability REAL NOT NULL DEFAULT 0,
			joined_at   INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_status ON users(status)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id             INTEGER PRIMARY KEY,
			description    TEXT NOT NULL DEFAULT '',
			location       TEXT NOT NULL DEFAULT '',
			starts_at      INTEGER NOT NULL,
			window_minutes INTEGER NOT NULL,
			compensation   REAL NOT NULL DEFAULT 0,
			created_by     TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_starts ON tasks(starts_at)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			task_id    INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (task_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments(user_id, status)`,

		// (user_id, task_id) is the submission idempotency key.
		`CREATE TABLE IF NOT EXISTS submissions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			task_id      INTEGER NOT NULL,
			image_path   TEXT NOT NULL,
			submitted_at INTEGER NOT NULL,
			UNIQUE (user_id, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_ts ON submissions(submitted_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
