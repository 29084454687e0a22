// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrConfiguration is raised at startup or admin-time for malformed config,
	// unvettable templates and unknown destinations. Never raised during a user
	// request in a well-configured system.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation covers user input failing schema, role or upload checks.
	ErrValidation = errors.New("validation error")

	// ErrTransientIO is a retriable filesystem failure.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrPermanentIO is a fatal filesystem failure, including remote auth failures.
	ErrPermanentIO = errors.New("permanent i/o error")

	// ErrSchedulerSubmit means a scheduler rejected or failed a submission.
	ErrSchedulerSubmit = errors.New("scheduler submit error")

	// ErrSchedulerState means a scheduler could not report a job's state.
	ErrSchedulerState = errors.New("scheduler state error")

	// ErrInteractiveRun covers interactive command timeouts and output caps.
	ErrInteractiveRun = errors.New("interactive run error")

	// ErrJobDirMissing means the job's local directory does not exist, e.g. a job
	// that lived only remotely and was never staged back.
	ErrJobDirMissing = errors.New("job directory missing")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
	ErrInternal  = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "msg", "upload")
	Resource string // For not found/conflict (e.g., "job", "application")
	Op       string // Operation that failed (e.g., "sftp.upload", "slurm.sbatch")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause for errors.Is() classification.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Configuration creates a configuration error.
func Configuration(op, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Op:       op,
	}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// TransientIO creates a retriable filesystem error.
func TransientIO(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransientIO,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// PermanentIO creates a fatal filesystem error.
func PermanentIO(op string, cause error) error {
	return &Error{
		Sentinel: ErrPermanentIO,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// SchedulerSubmit creates a scheduler submission error.
func SchedulerSubmit(op string, cause error) error {
	return &Error{
		Sentinel: ErrSchedulerSubmit,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// SchedulerState creates a scheduler state query error.
func SchedulerState(op string, cause error) error {
	return &Error{
		Sentinel: ErrSchedulerState,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// InteractiveRun creates an interactive run error.
func InteractiveRun(message string, cause error) error {
	return &Error{
		Sentinel: ErrInteractiveRun,
		Message:  message,
		Cause:    cause,
	}
}

// JobDirMissing creates the distinct error for jobs without a local directory.
func JobDirMissing(jobID int64) error {
	return &Error{
		Sentinel: ErrJobDirMissing,
		Message:  fmt.Sprintf("job %d has no local directory on this host", jobID),
		Resource: "job",
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Forbidden creates a forbidden error for a resource.
func Forbidden(resource, reason string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  reason,
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
