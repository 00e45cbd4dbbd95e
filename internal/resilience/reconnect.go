package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig bounds connection establishment at startup
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of connection attempts
	Backoff     time.Duration // Wait after the first failure
	Multiplier  float64       // Growth factor between waits
	MaxBackoff  time.Duration // Cap on any single wait
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

func (c *ReconnectConfig) retryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    c.Backoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffMultiplier: c.Multiplier,
	}
}

// Reconnect calls connect until it succeeds or the attempts run out, logging
// each failure against target. Every error is retried; the final one is
// wrapped with the attempt count.
func Reconnect(ctx context.Context, target string, connect func(ctx context.Context) error, config *ReconnectConfig, logger zerolog.Logger) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	retry := config.retryConfig()
	attempts := max(1, config.MaxAttempts)

	used := 0
	err := Retry(ctx, func(ctx context.Context, attempt int) error {
		used = attempt
		err := connect(ctx)
		if err != nil && attempt < attempts {
			logger.Warn().
				Err(err).
				Str("target", target).
				Int("attempt", attempt).
				Int("max_attempts", attempts).
				Dur("retry_in", retry.Backoff(attempt-1)).
				Msg("Connection attempt failed")
		}
		return err
	}, retry, nil)

	switch {
	case err == nil:
		if used > 1 {
			logger.Info().Str("target", target).Int("attempts", used).Msg("Connection established")
		}
		return nil
	case used == 0:
		return err
	}
	return fmt.Errorf("failed to connect to %s after %d attempts: %w", target, used, err)
}
