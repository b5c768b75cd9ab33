package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard errors
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRetryable marks transient failures (lock contention); callers may
	// retry with backoff.
	ErrRetryable = errors.New("storage temporarily unavailable")

	// ErrReminderShape is returned when a reminder does not set exactly one
	// of cron expression / scheduled time.
	ErrReminderShape = errors.New("reminder must set exactly one of cron_expression or scheduled_time")
)

// retryBackoff is the wait schedule used by WithRetry.
var retryBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	return err
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// WithRetry runs fn, retrying retryable failures up to three more times
// with 100ms/500ms/2s backoff before surfacing the last error.
func WithRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, wait := range retryBackoff {
		if err == nil || !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = fn()
	}
	return err
}
