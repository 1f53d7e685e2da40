package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Submission validation errors
	ErrMalformedTaskReference    = errors.New("task reference is not a task number")
	ErrWindowExpired             = errors.New("task window has expired")
	ErrWindowNotStarted          = errors.New("task window has not started")
	ErrNotAuthorized             = errors.New("task is not in the user's accepted tasks")
	ErrAttachmentPolicyViolation = errors.New("attachment must be a single image")
	ErrDuplicateSubmission       = errors.New("submission already recorded for this task")

	// Ledger errors
	ErrTaskNotFound = errors.New("task not found")
	ErrUserNotFound = errors.New("user not found")

	// Image store errors
	ErrImageTooLarge = errors.New("image exceeds size limit")

	// Platform errors
	ErrPlatformCallFailed = errors.New("platform call failed")
)
