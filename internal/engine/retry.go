package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// withRetry runs fn, retrying transient storage errors with exponential
// backoff. Domain errors pass through untouched on the first attempt; a
// lost claim race is not transient.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		if attempt < retryMaxAttempts-1 {
			delay := retryBaseDelay * (1 << attempt)
			e.log.Warnf("%s: storage error (attempt %d/%d), retrying in %s: %v",
				op, attempt+1, retryMaxAttempts, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	e.log.Errorf("%s: storage error after %d attempts: %v", op, retryMaxAttempts, lastErr)
	return lastErr
}

// isTransient reports whether err is a retryable storage error. Lock
// contention clears on its own; everything else is surfaced immediately.
func isTransient(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
