package internal

import (
	"context"
	"errors"
	"time"
)

// Backoff is the pause before the second attempt; it doubles after each failure.
const Backoff = 100 * time.Millisecond

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad credentials, unknown host key).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Retry calls fn up to maxAttempts times with exponential backoff
// (100ms, 200ms, 400ms, ...). It stops early on a Permanent error, which is
// returned unwrapped, or when ctx is cancelled.
func Retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < maxAttempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}

		var permanent permanentError
		if errors.As(err, &permanent) {
			return result, permanent.err
		}

		if i < maxAttempts-1 {
			select {
			case <-time.After(Backoff << i):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
