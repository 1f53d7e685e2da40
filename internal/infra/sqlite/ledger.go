package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snapngo/snapbot/internal/domain"
)

var (
	_ domain.Ledger      = (*DB)(nil)
	_ domain.LedgerAdmin = (*DB)(nil)
)

// ─── Task Sets ──────────────────────────────────────────────────────────────

// AcceptedTasks lists the user's accepted, unfinished, unexpired tasks.
func (d *DB) AcceptedTasks(ctx context.Context, userID string) ([]domain.TaskID, error) {
	return d.openTasks(ctx, userID, domain.AssignmentAccepted)
}

// PendingTasks lists tasks offered to the user and not yet answered.
func (d *DB) PendingTasks(ctx context.Context, userID string) ([]domain.TaskID, error) {
	return d.openTasks(ctx, userID, domain.AssignmentPending)
}

func (d *DB) openTasks(ctx context.Context, userID string, status domain.AssignmentStatus) ([]domain.TaskID, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT t.id FROM assignments a
		 JOIN tasks t ON t.id = a.task_id
		 WHERE a.user_id = ? AND a.status = ?
		   AND t.starts_at + t.window_minutes * 60 >= ?
		 ORDER BY t.starts_at, t.id`,
		userID, string(status), d.now().Unix(),
	)
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
func (d *DB) WindowState(ctx context.Context, taskID domain.TaskID) (domain.WindowState, error) {
	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.State(d.now()), nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// GetTask retrieves a task by id.
func (d *DB) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, description, location, starts_at, window_minutes, compensation, created_by, created_at
		 FROM tasks WHERE id = ?`, int64(id),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

// UpsertTask inserts or updates a task record.
func (d *DB) UpsertTask(ctx context.Context, task domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (id, description, location, starts_at, window_minutes, compensation, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			description=excluded.description,
			location=excluded.location,
			starts_at=excluded.starts_at,
			window_minutes=excluded.window_minutes,
			compensation=excluded.compensation`,
		int64(task.ID), task.Description, task.Location, task.StartsAt.Unix(),
		task.WindowMinutes, task.Compensation, task.CreatedBy, task.CreatedAt.Unix(),
	)
	return err
}

// CreateOrderTask opens a new order-upload task, accepted by its creator.
func (d *DB) CreateOrderTask(ctx context.Context, userID string) (domain.TaskID, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := d.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (description, starts_at, window_minutes, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		"order upload", now.Unix(), int(d.OrderWindow/time.Minute), userID, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert order task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignments (task_id, user_id, status, updated_at) VALUES (?, ?, ?, ?)`,
		id, userID, string(domain.AssignmentAccepted), now.Unix(),
	); err != nil {
		return 0, fmt.Errorf("assign order task: %w", err)
	}
	return domain.TaskID(id), tx.Commit()
}

// ─── Assignments ────────────────────────────────────────────────────────────

// Assign sets a user's status for a task.
func (d *DB) Assign(ctx context.Context, a domain.Assignment) error {
	if !a.Status.Valid() {
		return fmt.Errorf("invalid assignment status %q", a.Status)
	}
	if _, err := d.GetTask(ctx, a.TaskID); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO assignments (task_id, user_id, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id, user_id) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at`,
		int64(a.TaskID), a.UserID, string(a.Status), d.now().Unix(),
	)
	return err
}

// ─── Submissions ────────────────────────────────────────────────────────────

// RecordSubmission stores a submission and marks the assignment completed.
// Returns false if (user, task) was already submitted.
func (d *DB) RecordSubmission(ctx context.Context, sub domain.Submission) (bool, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = d.now()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (id, user_id, task_id, image_path, submitted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, task_id) DO NOTHING`,
		sub.ID, sub.UserID, int64(sub.TaskID), sub.ImagePath, sub.SubmittedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET status = ?, updated_at = ? WHERE task_id = ? AND user_id = ?`,
		string(domain.AssignmentCompleted), sub.SubmittedAt.Unix(), int64(sub.TaskID), sub.UserID,
	); err != nil {
		return false, fmt.Errorf("complete assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListSubmissions returns recent submissions, optionally for one user.
func (d *DB) ListSubmissions(ctx context.Context, userID string, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, task_id, image_path, submitted_at
		 FROM submissions WHERE (? = '' OR user_id = ?)
		 ORDER BY submitted_at DESC, id LIMIT ?`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Submission
	for rows.Next() {
		var s domain.Submission
		var taskID, ts int64
		if err := rows.Scan(&s.ID, &s.UserID, &taskID, &s.ImagePath, &ts); err != nil {
			return nil, err
		}
		s.TaskID = domain.TaskID(taskID)
		s.SubmittedAt = time.Unix(ts, 0)
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ─── Users ──────────────────────────────────────────────────────────────────

// AddUsers registers roster members. Existing users keep their status and
// reliability; profile fields are refreshed.
func (d *DB) AddUsers(ctx context.Context, members map[string]domain.Member) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := d.now().Unix()
	for id, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, name, real_name, email, tz, is_bot, joined_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name=excluded.name,
				real_name=excluded.real_name,
				email=excluded.email,
				tz=excluded.tz,
				is_bot=excluded.is_bot,
				updated_at=excluded.updated_at`,
			id, m.Name, m.RealName, m.Email, m.TZ, m.IsBot, now, now,
		); err != nil {
			return fmt.Errorf("upsert user %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ActiveUsers lists ids of active, non-bot users.
func (d *DB) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM users WHERE status = ? AND is_bot = 0 ORDER BY id`,
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

// SetAccountStatus changes a user's participation state.
func (d *DB) SetAccountStatus(ctx context.Context, userID string, status domain.AccountStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), d.now().Unix(), userID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ─── Reliability ────────────────────────────────────────────────────────────
// reliability = completed / (accepted + completed), in [0, 1].

// UpdateReliability recomputes and stores the user's reliability score.
func (d *DB) UpdateReliability(ctx context.Context, userID string) error {
	var completed, committed int64
	err := d.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
		 FROM assignments WHERE user_id = ?`,
		string(domain.AssignmentCompleted),
		string(domain.AssignmentAccepted), string(domain.AssignmentCompleted),
		userID,
	).Scan(&completed, &committed)
	if err != nil {
		return fmt.Errorf("count assignments: %w", err)
	}

	score := 0.0
	if committed > 0 {
		score = float64(completed) / float64(committed)
	}
	now := d.now().Unix()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO users (id, reliability, joined_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			reliability=excluded.reliability,
			updated_at=excluded.updated_at`,
		userID, score, now, now,
	)
	return err
}

// Reliability returns the stored reliability score.
func (d *DB) Reliability(ctx context.Context, userID string) (float64, error) {
	var score float64
	err := d.db.QueryRowContext(ctx,
		`SELECT reliability FROM users WHERE id = ?`, userID,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrUserNotFound
	}
	return score, err
}

// ─── Scanning ───────────────────────────────────────────────────────────────

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var id, startsAt, createdAt int64
	err := s.Scan(&id, &t.Description, &t.Location, &startsAt,
		&t.WindowMinutes, &t.Compensation, &t.CreatedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	t.ID = domain.TaskID(id)
	t.StartsAt = time.Unix(startsAt, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}
