package errors

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures exponential-backoff retries for remote calls.
type RetryConfig struct {
	MaxRetries   int           // retry attempts after the initial attempt
	InitialDelay time.Duration // delay before first retry
	MaxDelay     time.Duration // cap on the delay between retries
	Multiplier   float64       // backoff growth factor
}

// DefaultRetryConfig returns the default retry configuration: three retries
// with a 1s initial delay doubling up to 16s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry executes fn with exponential backoff. Only retryable errors
// (Unavailable, Timeout, RateLimited) are retried; any other failure is
// returned immediately. If the context is cancelled the context error is
// returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
