// Package retry implements exponential-backoff retries for transient errors.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// Attempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1 (no retries).
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles after
	// every failed attempt, capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt wait. Zero means no cap.
	MaxDelay time.Duration
	// Retryable classifies errors; nil retries every non-nil error.
	Retryable func(err error) bool
}

// Do calls fn up to cfg.Attempts times, sleeping between attempts.
// It stops early when fn returns nil, the error is not retryable, or ctx is
// cancelled. The last attempt's error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "of", attempts, "delay", delay, "err", lastErr)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
