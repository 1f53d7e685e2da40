// Package submission validates photo submissions against the ledger and, when
// every check passes, stores the photo and records the submission.
//
// Checks run in a fixed order and stop at the first failure:
//
//	parse → window → authorization → download, record, reliability
//
// Nothing is downloaded and nothing is written to the ledger unless the first
// three checks pass.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/infra/metrics"
)

// Request is one image submission attempt.
type Request struct {
	UserID  string
	TaskRef string // raw text the user typed as the task number
	FileURL string // private download URL of the single attached image
}

// Receipt describes a recorded submission.
type Receipt struct {
	TaskID    domain.TaskID
	ImagePath string
}

// Rejection is a submission that failed a check. Reason is one of the domain
// sentinels so callers classify it with errors.Is.
type Rejection struct {
	Reason   error
	TaskID   domain.TaskID
	Accepted []domain.TaskID // set for ErrNotAuthorized
	Pending  bool            // task is offered but not yet accepted
}

func (r *Rejection) Error() string {
	if r.TaskID == 0 && errors.Is(r.Reason, domain.ErrMalformedTaskReference) {
		return "submission rejected: " + r.Reason.Error()
	}
	return fmt.Sprintf("submission for task %s rejected: %v", r.TaskID, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Reason }

// Validator runs submissions through the checks.
type Validator struct {
	ledger domain.Ledger
	images domain.ImageStore
}

// New creates a validator.
func New(ledger domain.Ledger, images domain.ImageStore) *Validator {
	return &Validator{ledger: ledger, images: images}
}

// ParseTaskRef accepts a non-empty run of ASCII decimal digits and nothing
// else; surrounding whitespace is malformed too.
func ParseTaskRef(ref string) (domain.TaskID, error) {
	if ref == "" {
		return 0, domain.ErrMalformedTaskReference
	}
	for _, r := range ref {
		if r < '0' || r > '9' {
			return 0, domain.ErrMalformedTaskReference
		}
	}
	n, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, domain.ErrMalformedTaskReference
	}
	return domain.TaskID(n), nil
}

// Submit validates req and records it. Validation failures come back as
// *Rejection; anything else is an infrastructure error.
func (v *Validator) Submit(ctx context.Context, req Request) (Receipt, error) {
	taskID, err := ParseTaskRef(req.TaskRef)
	if err != nil {
		return v.reject("malformed", &Rejection{Reason: err})
	}

	state, err := v.ledger.WindowState(ctx, taskID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		// Unknown tasks can never be in the accepted set.
	case err != nil:
		return Receipt{}, v.fail(fmt.Errorf("check window for task %s: %w", taskID, err))
	case state == domain.WindowExpired:
		return v.reject("expired", &Rejection{Reason: domain.ErrWindowExpired, TaskID: taskID})
	case state == domain.WindowNotStarted:
		return v.reject("not_started", &Rejection{Reason: domain.ErrWindowNotStarted, TaskID: taskID})
	}

	accepted, err := v.ledger.AcceptedTasks(ctx, req.UserID)
	if err != nil {
		return Receipt{}, v.fail(fmt.Errorf("load accepted tasks: %w", err))
	}
	if !domain.ContainsTask(accepted, taskID) {
		pending, err := v.ledger.PendingTasks(ctx, req.UserID)
		if err != nil {
			return Receipt{}, v.fail(fmt.Errorf("load pending tasks: %w", err))
		}
		return v.reject("not_authorized", &Rejection{
			Reason:   domain.ErrNotAuthorized,
			TaskID:   taskID,
			Accepted: accepted,
			Pending:  domain.ContainsTask(pending, taskID),
		})
	}

	path, err := v.images.Fetch(ctx, req.FileURL, req.UserID, taskID)
	if err != nil {
		return Receipt{}, v.fail(fmt.Errorf("fetch image for task %s: %w", taskID, err))
	}

	recorded, err := v.ledger.RecordSubmission(ctx, domain.Submission{
		UserID:    req.UserID,
		TaskID:    taskID,
		ImagePath: path,
	})
	if err != nil {
		v.removeImage(path)
		return Receipt{}, v.fail(fmt.Errorf("record submission for task %s: %w", taskID, err))
	}
	if !recorded {
		v.removeImage(path)
		return v.reject("duplicate", &Rejection{Reason: domain.ErrDuplicateSubmission, TaskID: taskID})
	}

	// The submission is already durable; a stale score is recomputed next time.
	if err := v.ledger.UpdateReliability(ctx, req.UserID); err != nil {
		log.Printf("[submission] update reliability for %s: %v", req.UserID, err)
	}

	metrics.Submissions.WithLabelValues("accepted").Inc()
	log.Printf("[submission] user %s task %s stored at %s", req.UserID, taskID, path)
	return Receipt{TaskID: taskID, ImagePath: path}, nil
}

func (v *Validator) reject(outcome string, r *Rejection) (Receipt, error) {
	metrics.Submissions.WithLabelValues(outcome).Inc()
	return Receipt{}, r
}

func (v *Validator) fail(err error) error {
	metrics.Submissions.WithLabelValues("failed").Inc()
	return err
}

func (v *Validator) removeImage(path string) {
	if err := v.images.Remove(path); err != nil {
		log.Printf("[submission] remove %s: %v", path, err)
	}
}
