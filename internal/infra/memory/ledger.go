// Package memory is an in-process ledger. It backs `ledger.driver = "memory"`
// for dry runs against a test workspace, and records every call so tests can
// assert which ledger operations a flow touched.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapngo/snapbot/internal/domain"
)

var (
	_ domain.Ledger      = (*Ledger)(nil)
	_ domain.LedgerAdmin = (*Ledger)(nil)
)

type assignmentKey struct {
	task domain.TaskID
	user string
}

type userRecord struct {
	member      domain.Member
	status      domain.AccountStatus
	reliability float64
}

// Ledger keeps all state in maps guarded by one mutex.
type Ledger struct {
	mu          sync.Mutex
	now         func() time.Time
	tasks       map[domain.TaskID]domain.Task
	assignments map[assignmentKey]domain.AssignmentStatus
	submissions map[assignmentKey]domain.Submission
	users       map[string]*userRecord
	nextOrder   domain.TaskID
	calls       map[string]int

	// OrderWindow is how long a freshly created order-upload task stays open.
	OrderWindow time.Duration

	// Err, when set, is returned by every call.
	Err error
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		now:         time.Now,
		tasks:       make(map[domain.TaskID]domain.Task),
		assignments: make(map[assignmentKey]domain.AssignmentStatus),
		submissions: make(map[assignmentKey]domain.Submission),
		users:       make(map[string]*userRecord),
		nextOrder:   1,
		calls:       make(map[string]int),
		OrderWindow: 24 * time.Hour,
	}
}

// SetClock overrides the time source used for window classification.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Calls returns how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// TotalCalls returns the number of ledger calls of any kind.
func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

// enter locks, counts the call and returns the injected error if any.
func (l *Ledger) enter(method string) error {
	l.mu.Lock()
	l.calls[method]++
	return l.Err
}

// ─── domain.Ledger ──────────────────────────────────────────────────────────

// AcceptedTasks lists the user's accepted, unexpired tasks.
func (l *Ledger) AcceptedTasks(ctx context.Context, userID string) ([]domain.TaskID, error) {
	defer l.mu.Unlock()
	if err := l.enter("AcceptedTasks"); err != nil {
		return nil, err
	}
	return l.openTasks(userID, domain.AssignmentAccepted), nil
}

// PendingTasks lists tasks offered to the user and not yet answered.
func (l *Ledger) PendingTasks(ctx context.Context, userID string) ([]domain.TaskID, error) {
	defer l.mu.Unlock()
	if err := l.enter("PendingTasks"); err != nil {
		return nil, err
	}
	return l.openTasks(userID, domain.AssignmentPending), nil
}

func (l *Ledger) openTasks(userID string, status domain.AssignmentStatus) []domain.TaskID {
	now := l.now()
	var tasks []domain.Task
	for key, st := range l.assignments {
		if key.user != userID || st != status {
			continue
		}
		t, ok := l.tasks[key.task]
		if !ok || t.State(now) == domain.WindowExpired {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].StartsAt.Equal(tasks[j].StartsAt) {
			return tasks[i].StartsAt.Before(tasks[j].StartsAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	ids := make([]domain.TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// WindowState classifies the task's submission window at the current time.
func (l *Ledger) WindowState(ctx context.Context, taskID domain.TaskID) (domain.WindowState, error) {
	defer l.mu.Unlock()
	if err := l.enter("WindowState"); err != nil {
		return "", err
	}
	t, ok := l.tasks[taskID]
	if !ok {
		return "", domain.ErrTaskNotFound
	}
	return t.State(l.now()), nil
}

// RecordSubmission stores sub unless (user, task) was already submitted.
func (l *Ledger) RecordSubmission(ctx context.Context, sub domain.Submission) (bool, error) {
	defer l.mu.Unlock()
	if err := l.enter("RecordSubmission"); err != nil {
		return false, err
	}
	key := assignmentKey{task: sub.TaskID, user: sub.UserID}
	if _, dup := l.submissions[key]; dup {
		return false, nil
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = l.now()
	}
	l.submissions[key] = sub
	if _, ok := l.assignments[key]; ok {
		l.assignments[key] = domain.AssignmentCompleted
	}
	return true, nil
}

// UpdateReliability recomputes completed / (accepted + completed).
func (l *Ledger) UpdateReliability(ctx context.Context, userID string) error {
	defer l.mu.Unlock()
	if err := l.enter("UpdateReliability"); err != nil {
		return err
	}
	var completed, committed int
	for key, st := range l.assignments {
		if key.user != userID {
			continue
		}
		switch st {
		case domain.AssignmentCompleted:
			completed++
			committed++
		case domain.AssignmentAccepted:
			committed++
		}
	}
	u := l.user(userID)
	u.reliability = 0
	if committed > 0 {
		u.reliability = float64(completed) / float64(committed)
	}
	return nil
}

// AddUsers registers members; existing users keep status and reliability.
func (l *Ledger) AddUsers(ctx context.Context, members map[string]domain.Member) error {
	defer l.mu.Unlock()
	if err := l.enter("AddUsers"); err != nil {
		return err
	}
	for id, m := range members {
		m.ID = id
		l.user(id).member = m
	}
	return nil
}

// ActiveUsers lists ids of active, non-bot users.
func (l *Ledger) ActiveUsers(ctx context.Context) ([]string, error) {
	defer l.mu.Unlock()
	if err := l.enter("ActiveUsers"); err != nil {
		return nil, err
	}
	var ids []string
	for id, u := range l.users {
		if u.status == domain.AccountActive && !u.member.IsBot {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateOrderTask opens an order-upload task accepted by userID.
func (l *Ledger) CreateOrderTask(ctx context.Context, userID string) (domain.TaskID, error) {
	defer l.mu.Unlock()
	if err := l.enter("CreateOrderTask"); err != nil {
		return 0, err
	}
	id := l.nextOrder
	for {
		if _, taken := l.tasks[id]; !taken {
			break
		}
		id++
	}
	l.nextOrder = id + 1
	now := l.now()
	l.tasks[id] = domain.Task{
		ID:            id,
		Description:   "order upload",
		StartsAt:      now,
		WindowMinutes: int(l.OrderWindow / time.Minute),
		CreatedBy:     userID,
		CreatedAt:     now,
	}
	l.assignments[assignmentKey{task: id, user: userID}] = domain.AssignmentAccepted
	return id, nil
}

// Ping always succeeds unless an error is injected.
func (l *Ledger) Ping(ctx context.Context) error {
	defer l.mu.Unlock()
	return l.enter("Ping")
}

// Close is a no-op.
func (l *Ledger) Close() error { return nil }

// ─── domain.LedgerAdmin ─────────────────────────────────────────────────────

// UpsertTask inserts or replaces a task.
func (l *Ledger) UpsertTask(ctx context.Context, t domain.Task) error {
	defer l.mu.Unlock()
	if err := l.enter("UpsertTask"); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now()
	}
	l.tasks[t.ID] = t
	return nil
}

// Assign sets a user's status for an existing task.
func (l *Ledger) Assign(ctx context.Context, a domain.Assignment) error {
	defer l.mu.Unlock()
	if err := l.enter("Assign"); err != nil {
		return err
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid assignment status %q", a.Status)
	}
	if _, ok := l.tasks[a.TaskID]; !ok {
		return domain.ErrTaskNotFound
	}
	l.assignments[assignmentKey{task: a.TaskID, user: a.UserID}] = a.Status
	return nil
}

// ListSubmissions returns submissions newest first, optionally for one user.
func (l *Ledger) ListSubmissions(ctx context.Context, userID string, limit int) ([]domain.Submission, error) {
	defer l.mu.Unlock()
	if err := l.enter("ListSubmissions"); err != nil {
		return nil, err
	}
	var out []domain.Submission
	for _, s := range l.submissions {
		if userID == "" || s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reliability returns the stored score.
func (l *Ledger) Reliability(ctx context.Context, userID string) (float64, error) {
	defer l.mu.Unlock()
	if err := l.enter("Reliability"); err != nil {
		return 0, err
	}
	u, ok := l.users[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	return u.reliability, nil
}

// SetAccountStatus marks a user active or inactive.
func (l *Ledger) SetAccountStatus(ctx context.Context, userID string, status domain.AccountStatus) error {
	defer l.mu.Unlock()
	if err := l.enter("SetAccountStatus"); err != nil {
		return err
	}
	u, ok := l.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.status = status
	return nil
}

// user returns the record for id, creating an active one. Caller holds mu.
func (l *Ledger) user(id string) *userRecord {
	u, ok := l.users[id]
	if !ok {
		u = &userRecord{member: domain.Member{ID: id}, status: domain.AccountActive}
		l.users[id] = u
	}
	return u
}
