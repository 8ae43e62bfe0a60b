// Package retry runs operations with bounded attempts and a backoff between
// failures.
package retry

import (
	"context"
	"time"
)

// Backoff selects how the wait grows between attempts.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Valid reports whether b is a known backoff strategy.
func (b Backoff) Valid() bool {
	switch b {
	case BackoffConstant, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// OnRetryFunc is called after a failed attempt that will be retried. attempt
// is 1-based and counts the attempt that just failed.
type OnRetryFunc func(attempt int, err error, wait time.Duration)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	backoff    Backoff
	onRetry    OnRetryFunc
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed attempt is retried. Zero means
// the operation runs once.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

// WithBaseWait sets the wait before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps any single wait.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithBackoff sets the backoff strategy.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithOnRetry registers a hook invoked before each wait.
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns an error that is not recoverable, or
// the retry budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		baseWait:   200 * time.Millisecond,
		backoff:    BackoffLinear,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt > o.maxRetries || !IsRecoverable(err) {
			return err
		}
		wait := Delay(o.backoff, o.baseWait, attempt)
		if o.maxWait > 0 && wait > o.maxWait {
			wait = o.maxWait
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, wait)
		}
		if wait <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func Delay(b Backoff, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b {
	case BackoffConstant:
		return base
	case BackoffExponential:
		return base << (attempt - 1)
	default:
		return base * time.Duration(attempt)
	}
}
