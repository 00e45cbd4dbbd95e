package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds a retry loop
type RetryConfig struct {
	MaxAttempts       int           // Total attempts including the first
	InitialBackoff    time.Duration // Wait before the second attempt
	MaxBackoff        time.Duration // Cap on any single wait, jitter included
	BackoffMultiplier float64       // Growth factor between waits
	Jitter            bool          // Add up to 25% random jitter to each wait
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Backoff is the wait after the given zero-based attempt failed
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	wait := time.Duration(float64(c.InitialBackoff) * math.Pow(mult, float64(attempt)))
	if c.Jitter && wait > 0 {
		wait += time.Duration(rand.Int64N(int64(wait)/4 + 1))
	}
	if c.MaxBackoff > 0 && wait > c.MaxBackoff {
		wait = c.MaxBackoff
	}
	return wait
}

// AttemptFunc is one try; attempt counts from 1
type AttemptFunc func(ctx context.Context, attempt int) error

// Retry runs fn until it succeeds, returns an error classify rejects, the
// attempt budget is spent, or ctx is done. A nil classify retries every error.
// The last error seen is returned; ctx.Err() only when fn never ran.
func Retry(ctx context.Context, fn AttemptFunc, config *RetryConfig, classify func(error) bool) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(1, config.MaxAttempts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if classify != nil && !classify(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(config.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// RetryableError marks an error as transient
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// NewRetryableError wraps err; nil stays nil
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked transient with NewRetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
