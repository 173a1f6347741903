package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout     = errors.New("action timeout")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrNilAction   = errors.New("nil action")
)

// TimeoutError is the error of an attempt that did not settle in time.
type TimeoutError struct {
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action timeout: %s after %s", e.Action, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// NoRetry marks an error as permanent: the task fails without consuming its
// remaining automatic retries.
//
//	return nil, queue.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests a delay before the next automatic retry, for example
// from an HTTP Retry-After header. It is bounded by Config.RetryMaxDelay and
// only honored when retry backoff is enabled.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
