package domain

import (
	"context"
	"io"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Ledger is the persistent store of tasks, users, acceptance state and
// submissions. Implemented by infra/sqlite and infra/postgres.
//
// None of the calls are transactional with each other: a caller that checks
// the window, then the accepted set, then records a submission must expect
// the ledger state to move in between.
type Ledger interface {
	// AcceptedTasks lists the user's accepted, unfinished, unexpired tasks.
	AcceptedTasks(ctx context.Context, userID string) ([]TaskID, error)

	// PendingTasks lists tasks offered to the user but not yet accepted.
	PendingTasks(ctx context.Context, userID string) ([]TaskID, error)

	// WindowState classifies the task's submission window at the current time.
	// Returns ErrTaskNotFound for unknown tasks.
	WindowState(ctx context.Context, taskID TaskID) (WindowState, error)

	// RecordSubmission stores the submission. Returns false when a submission
	// for the same (user, task) already exists.
	RecordSubmission(ctx context.Context, sub Submission) (bool, error)

	// UpdateReliability recomputes the user's reliability score.
	UpdateReliability(ctx context.Context, userID string) error

	// AddUsers registers (or refreshes) roster members keyed by user id.
	AddUsers(ctx context.Context, members map[string]Member) error

	// ActiveUsers lists ids of users whose account status is active.
	ActiveUsers(ctx context.Context) ([]string, error)

	// CreateOrderTask opens a new order-upload task for the user and returns its id.
	CreateOrderTask(ctx context.Context, userID string) (TaskID, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// LedgerAdmin is the operator surface used by the CLI to seed and inspect
// the ledger.
type LedgerAdmin interface {
	UpsertTask(ctx context.Context, task Task) error
	Assign(ctx context.Context, a Assignment) error
	ListSubmissions(ctx context.Context, userID string, limit int) ([]Submission, error)
	Reliability(ctx context.Context, userID string) (float64, error)
}

// ImageStore fetches a submitted image and persists it under a content path
// keyed by user, task and date.
type ImageStore interface {
	// Fetch downloads url and returns the stored path.
	Fetch(ctx context.Context, url, userID string, taskID TaskID) (string, error)

	// Remove deletes a previously stored image.
	Remove(path string) error
}

// Downloader streams an authenticated platform file into w.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) error
}
