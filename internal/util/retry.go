package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pauljones0/pricefeed/internal/models"
)

// RetryWithBackoff calls fn up to maxRetries+1 times with exponential backoff.
// fn receives the current attempt number (0-indexed). It should return nil on success.
// If the context is cancelled, RetryWithBackoff returns the context error immediately.
func RetryWithBackoff(ctx context.Context, maxRetries int, fn func(attempt int) error) error {
	return Retry(ctx, Policy{MaxRetries: maxRetries, BaseDelay: time.Second}, fn)
}

// Policy configures Retry.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
}

// Retry runs fn under the policy, sleeping BaseDelay*2^attempt between attempts.
// Errors the policy does not consider retryable are returned immediately.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}

		// Don't wait after the last attempt
		if attempt == p.MaxRetries {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(p.BaseDelay, p.MaxDelay, attempt)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", p.MaxRetries, lastErr)
}

// Backoff returns base*2^attempt, capped at limit when limit is positive.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<attempt)
	if limit > 0 && (d > limit || d <= 0) {
		return limit
	}
	return d
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, models.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// WrapUnavailable tags transient store errors with models.ErrUnavailable so callers up the
// stack can classify them without importing the driver.
func WrapUnavailable(err error) error {
	if err == nil || errors.Is(err, models.ErrUnavailable) || !IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrUnavailable, err)
}
