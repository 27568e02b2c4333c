package platform

import (
	"errors"
	"fmt"
	"time"
)

// NonRetriable marks a publish error as permanent (invalid credentials,
// content rejected, revoked access). The executor finalizes such
// failures immediately instead of consuming retry attempts.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetriableError{err: err}
}

// IsNonRetriable reports whether err is marked NonRetriable.
func IsNonRetriable(err error) bool {
	var e nonRetriableError
	return errors.As(err, &e)
}

type nonRetriableError struct{ err error }

func (e nonRetriableError) Error() string { return fmt.Sprintf("non-retriable: %v", e.err) }
func (e nonRetriableError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested retry delay to a transient error,
// typically from a destination's rate-limit response.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors carrying an explicit delay.
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

// RetryHint extracts a RetryAfter delay, if any.
func RetryHint(err error) (time.Duration, bool) {
	var e RetryAfterError
	if errors.As(err, &e) {
		return e.RetryAfter(), true
	}
	return 0, false
}

// Retriable reports whether a publish error is worth another attempt.
// Everything not explicitly marked NonRetriable is considered
// transient; that includes timeouts and cancellations (the engine was
// stopping or the destination was slow, not rejecting the content).
func Retriable(err error) bool {
	return err != nil && !IsNonRetriable(err)
}
