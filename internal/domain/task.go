// Package domain — task, window and submission types.
// A task flows through the crowd workflow:
// offer (pending) → accept → submit photo → verify → compensate.
package domain

import (
	"strconv"
	"time"
)

// TaskID is the externally assigned, ledger-owned task number.
type TaskID int64

// String renders the id the way users type it.
func (id TaskID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// WindowState classifies a task against its submission window.
type WindowState string

const (
	WindowNotStarted WindowState = "not_started"
	WindowActive     WindowState = "active"
	WindowExpired    WindowState = "expired"
)

// ClassifyWindow resolves the window state for a task that starts at start and
// stays open for window. The end instant itself is still active.
func ClassifyWindow(now, start time.Time, window time.Duration) WindowState {
	if now.Before(start) {
		return WindowNotStarted
	}
	if now.After(start.Add(window)) {
		return WindowExpired
	}
	return WindowActive
}

// AssignmentStatus tracks a user's relation to an offered task.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Valid reports whether s is a known assignment status.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentPending, AssignmentAccepted, AssignmentRejected, AssignmentCompleted:
		return true
	}
	return false
}

// Task is a unit of crowd work held by the ledger.
type Task struct {
	ID            TaskID    `json:"id"`
	Description   string    `json:"description"`
	Location      string    `json:"location,omitempty"`
	StartsAt      time.Time `json:"starts_at"`
	WindowMinutes int       `json:"window_minutes"`
	Compensation  float64   `json:"compensation"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Window returns the submission window as a duration.
func (t *Task) Window() time.Duration {
	return time.Duration(t.WindowMinutes) * time.Minute
}

// State classifies the task against now.
func (t *Task) State(now time.Time) WindowState {
	return ClassifyWindow(now, t.StartsAt, t.Window())
}

// Assignment links a task to a user.
type Assignment struct {
	TaskID    TaskID           `json:"task_id"`
	UserID    string           `json:"user_id"`
	Status    AssignmentStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Submission is photographic proof of completion handed to the ledger.
// (UserID, TaskID) is the idempotency key.
type Submission struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	TaskID      TaskID    `json:"task_id"`
	ImagePath   string    `json:"image_path"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ContainsTask reports whether id is in ids.
func ContainsTask(ids []TaskID, id TaskID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
