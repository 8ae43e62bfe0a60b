package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError is implemented by errors that know whether a retry might
// succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable checks if an error can be retried. Errors that do not declare
// themselves recoverable are judged by type and message.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return looksTransient(err)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporarily unavailable",
	"temporary failure",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

func looksTransient(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return looksTransient(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string       { return e.err.Error() }
func (e *recoverableError) IsRecoverable() bool { return true }
func (e *recoverableError) Unwrap() error       { return e.err }

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError represents an error that should not be retried.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string       { return e.err.Error() }
func (e *NonRecoverableError) IsRecoverable() bool { return false }
func (e *NonRecoverableError) Unwrap() error       { return e.err }

// NewNonRecoverableError marks err as permanent.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
