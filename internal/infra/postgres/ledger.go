// Package postgres provides a Postgres-backed task ledger on pgxpool, for
// deployments where the ledger is shared with other services.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snapngo/snapbot/internal/domain"
)

var (
	_ domain.Ledger      = (*Ledger)(nil)
	_ domain.LedgerAdmin = (*Ledger)(nil)
)

// Ledger persists tasks, assignments, users and submissions in Postgres.
type Ledger struct {
	pool *pgxpool.Pool
	now  func() time.Time

	// OrderWindow is how long a freshly created order-upload task stays open.
	OrderWindow time.Duration
}

// Open connects and initializes schema.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l := &Ledger{pool: pool, now: time.Now, OrderWindow: 24 * time.Hour}
	if err := l.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return l, nil
}

// SetClock overrides the time source used for window classification.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL DEFAULT '',
  real_name   TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  tz          TEXT NOT NULL DEFAULT '',
  is_bot      BOOLEAN NOT NULL DEFAULT false,
  status      TEXT NOT NULL DEFAULT 'active',
  reliability DOUBLE PRECISION NOT NULL DEFAULT 0,
  joined_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tasks (
  id             BIGSERIAL PRIMARY KEY,
  description    TEXT NOT NULL DEFAULT '',
  location       TEXT NOT NULL DEFAULT '',
  starts_at      TIMESTAMPTZ NOT NULL,
  window_minutes INTEGER NOT NULL,
  compensation   DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_by     TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS assignments (
  task_id    BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  status     TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (task_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments(user_id, status);
CREATE TABLE IF NOT EXISTS submissions (
  id           UUID PRIMARY KEY,
  user_id      TEXT NOT NULL,
  task_id      BIGINT NOT NULL,
  image_path   TEXT NOT NULL,
  submitted_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, task_id)
);
`
	_, err := l.pool.Exec(ctx, schema)
	return err
}

// Ping checks connectivity.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close releases the pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}

// ─── Task Sets ──────────────────────────────────────────────────────────────

// AcceptedTasks lists the user's accepted, unfinished, unexpired tasks.
func (l *Ledger) AcceptedTasks(ctx context.Context, userID string) ([]domain.TaskID, error) {
	return l.openTasks(ctx, userID, domain.AssignmentAccepted)
}

// PendingTasks lists tasks offered to the user and not yet answered.
func (l *Ledger) PendingTasks(ctx context.Context, userID string) ([]domain.TaskID, error) {
	return l.openTasks(ctx, userID, domain.AssignmentPending)
}

func (l *Ledger) openTasks(ctx context.Context, userID string, status domain.AssignmentStatus) ([]domain.TaskID, error) {
	rows, err := l.pool.Query(ctx, `
SELECT t.id FROM assignments a
JOIN tasks t ON t.id = a.task_id
WHERE a.user_id = $1 AND a.status = $2
  AND t.starts_at + make_interval(mins => t.window_minutes) >= $3
ORDER BY t.starts_at, t.id
`, userID, string(status), l.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []domain.TaskID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, domain.TaskID(id))
	}
	return ids, rows.Err()
}

// WindowState classifies the task's submission window at the current time.
func (l *Ledger) WindowState(ctx context.Context, taskID domain.TaskID) (domain.WindowState, error) {
	var startsAt time.Time
	var window int
	err := l.pool.QueryRow(ctx,
		`SELECT starts_at, window_minutes FROM tasks WHERE id = $1`, int64(taskID),
	).Scan(&startsAt, &window)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrTaskNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.ClassifyWindow(l.now(), startsAt, time.Duration(window)*time.Minute), nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// UpsertTask inserts or updates a task record.
func (l *Ledger) UpsertTask(ctx context.Context, t domain.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now()
	}
	_, err := l.pool.Exec(ctx, `
INSERT INTO tasks (id, description, location, starts_at, window_minutes, compensation, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  description = EXCLUDED.description,
  location = EXCLUDED.location,
  starts_at = EXCLUDED.starts_at,
  window_minutes = EXCLUDED.window_minutes,
  compensation = EXCLUDED.compensation
`, int64(t.ID), t.Description, t.Location, t.StartsAt, t.WindowMinutes, t.Compensation, t.CreatedBy, t.CreatedAt)
	if err != nil {
		return err
	}
	// Explicit ids bypass the sequence; keep it ahead so order tasks don't collide.
	_, err = l.pool.Exec(ctx,
		`SELECT setval(pg_get_serial_sequence('tasks', 'id'), GREATEST((SELECT MAX(id) FROM tasks), 1))`)
	return err
}

// CreateOrderTask opens a new order-upload task, accepted by its creator.
func (l *Ledger) CreateOrderTask(ctx context.Context, userID string) (domain.TaskID, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	now := l.now()
	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO tasks (description, starts_at, window_minutes, created_by, created_at)
VALUES ('order upload', $1, $2, $3, $1)
RETURNING id
`, now, int(l.OrderWindow/time.Minute), userID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order task: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO assignments (task_id, user_id, status, updated_at) VALUES ($1, $2, $3, $4)`,
		id, userID, string(domain.AssignmentAccepted), now,
	); err != nil {
		return 0, fmt.Errorf("assign order task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return domain.TaskID(id), nil
}

// Assign sets a user's status for a task.
func (l *Ledger) Assign(ctx context.Context, a domain.Assignment) error {
	if !a.Status.Valid() {
		return fmt.Errorf("invalid assignment status %q", a.Status)
	}
	tag, err := l.pool.Exec(ctx, `
INSERT INTO assignments (task_id, user_id, status, updated_at)
SELECT id, $2, $3, $4 FROM tasks WHERE id = $1
ON CONFLICT (task_id, user_id) DO UPDATE SET
  status = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at
`, int64(a.TaskID), a.UserID, string(a.Status), l.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// ─── Submissions ────────────────────────────────────────────────────────────

// RecordSubmission stores a submission and marks the assignment completed.
// Returns false if (user, task) was already submitted.
func (l *Ledger) RecordSubmission(ctx context.Context, sub domain.Submission) (bool, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = l.now()
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO submissions (id, user_id, task_id, image_path, submitted_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (user_id, task_id) DO NOTHING
`, sub.ID, sub.UserID, int64(sub.TaskID), sub.ImagePath, sub.SubmittedAt)
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE assignments SET status = $1, updated_at = $2 WHERE task_id = $3 AND user_id = $4`,
		string(domain.AssignmentCompleted), sub.SubmittedAt, int64(sub.TaskID), sub.UserID,
	); err != nil {
		return false, fmt.Errorf("complete assignment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListSubmissions returns recent submissions, optionally for one user.
func (l *Ledger) ListSubmissions(ctx context.Context, userID string, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
SELECT id::text, user_id, task_id, image_path, submitted_at
FROM submissions
WHERE ($1 = '' OR user_id = $1)
ORDER BY submitted_at DESC, id
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		var taskID int64
		if err := rows.Scan(&s.ID, &s.UserID, &taskID, &s.ImagePath, &s.SubmittedAt); err != nil {
			return nil, err
		}
		s.TaskID = domain.TaskID(taskID)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ─── Users ──────────────────────────────────────────────────────────────────

// AddUsers registers roster members in one batch. Existing users keep their
// status and reliability.
func (l *Ledger) AddUsers(ctx context.Context, members map[string]domain.Member) error {
	if len(members) == 0 {
		return nil
	}
	now := l.now()
	batch := &pgx.Batch{}
	for id, m := range members {
		batch.Queue(`
INSERT INTO users (id, name, real_name, email, tz, is_bot, joined_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  real_name = EXCLUDED.real_name,
  email = EXCLUDED.email,
  tz = EXCLUDED.tz,
  is_bot = EXCLUDED.is_bot,
  updated_at = EXCLUDED.updated_at
`, id, m.Name, m.RealName, m.Email, m.TZ, m.IsBot, now)
	}
	return l.pool.SendBatch(ctx, batch).Close()
}

// ActiveUsers lists ids of active, non-bot users.
func (l *Ledger) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id FROM users WHERE status = $1 AND NOT is_bot ORDER BY id`,
		string(domain.AccountActive),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAccountStatus marks a user active or inactive.
func (l *Ledger) SetAccountStatus(ctx context.Context, userID string, status domain.AccountStatus) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE users SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), l.now(), userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ─── Reliability ────────────────────────────────────────────────────────────

// UpdateReliability recomputes completed / (accepted + completed).
func (l *Ledger) UpdateReliability(ctx context.Context, userID string) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO users (id, reliability, updated_at)
SELECT $1,
  COALESCE(
    SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END)::float8
      / NULLIF(SUM(CASE WHEN status IN ($2, $3) THEN 1 ELSE 0 END), 0),
    0),
  $4
FROM assignments WHERE user_id = $1
ON CONFLICT (id) DO UPDATE SET
  reliability = EXCLUDED.reliability,
  updated_at = EXCLUDED.updated_at
`, userID, string(domain.AssignmentCompleted), string(domain.AssignmentAccepted), l.now())
	return err
}

// Reliability returns the stored reliability score.
func (l *Ledger) Reliability(ctx context.Context, userID string) (float64, error) {
	var score float64
	err := l.pool.QueryRow(ctx, `SELECT reliability FROM users WHERE id = $1`, userID).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrUserNotFound
	}
	return score, err
}
