package invoiceflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/invoiceflow/retry"
)

// Sentinel errors returned by stores and the engine. Match them with errors.Is.
var (
	ErrRunNotFound               = errors.New("run not found")
	ErrCheckpointNotFound        = errors.New("checkpoint not found")
	ErrCheckpointAlreadyResolved = errors.New("checkpoint already resolved")
	ErrNoHandler                 = errors.New("no handler registered for stage")
)

// ValidationError reports a malformed invoice payload or resume request. It is
// returned before any run state is touched and is never retried.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Wrapped error  `json:"-"`
}

// NewValidationError creates a ValidationError for the named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Wrapped
}

// StageErrorKind classifies a stage failure.
type StageErrorKind string

const (
	// StageErrorTransient failures are retried inside the engine. Unknown
	// errors are transient so that flaky capability calls get another try.
	StageErrorTransient StageErrorKind = "transient"

	// StageErrorFatal failures mark the run FAILED immediately, or once the
	// retry budget for a transient failure is exhausted.
	StageErrorFatal StageErrorKind = "fatal"
)

// StageError is a failure inside a stage handler, carrying the run and stage
// it happened in.
type StageError struct {
	Kind     StageErrorKind `json:"kind"`
	RunID    string         `json:"run_id"`
	Stage    StageID        `json:"stage"`
	Attempts int            `json:"attempts"`
	Cause    string         `json:"cause"`
	Wrapped  error          `json:"-"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s, %d attempts): %s", e.Stage, e.Kind, e.Attempts, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Wrapped
}

// Fatal reports whether the error ended the run.
func (e *StageError) Fatal() bool {
	return e.Kind == StageErrorFatal
}

// Permanent wraps err so the engine fails the stage without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return retry.NewNonRecoverableError(err)
}

// ClassifyStageError decides whether a handler error may be retried.
func ClassifyStageError(err error) StageErrorKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return StageErrorFatal
	}
	if errors.Is(err, context.Canceled) {
		return StageErrorFatal
	}
	var recoverable retry.RecoverableError
	if errors.As(err, &recoverable) && !recoverable.IsRecoverable() {
		return StageErrorFatal
	}
	return StageErrorTransient
}

// InvalidTransitionError is returned when an operation does not apply to the
// run's current status, such as resuming a run that is not paused.
type InvalidTransitionError struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Operation string    `json:"operation"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s run %s in status %s", e.Operation, e.RunID, e.Status)
}
