package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// counting returns an AttemptFunc that fails until attempt succeedOn
func counting(seen *[]int, succeedOn int, err error) AttemptFunc {
	return func(_ context.Context, attempt int) error {
		*seen = append(*seen, attempt)
		if succeedOn > 0 && attempt >= succeedOn {
			return nil
		}
		return err
	}
}

func TestRetry(t *testing.T) {
	transient := NewRetryableError(errors.New("planner 503"))
	permanent := errors.New("bad request")

	tests := []struct {
		name      string
		cfg       *RetryConfig
		succeedOn int
		err       error
		classify  func(error) bool
		attempts  []int
		wantErr   error
	}{
		{"first try", DefaultRetryConfig(), 1, transient, nil, []int{1}, nil},
		{"recovers", fastConfig(3), 3, transient, nil, []int{1, 2, 3}, nil},
		{"budget spent", fastConfig(2), 0, transient, IsRetryable, []int{1, 2}, transient},
		{"zero attempts still runs once", fastConfig(0), 0, transient, nil, []int{1}, transient},
		{"permanent error stops", fastConfig(3), 0, permanent, IsRetryable, []int{1}, permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen []int
			err := Retry(context.Background(), counting(&seen, tt.succeedOn, tt.err), tt.cfg, tt.classify)
			if !errors.Is(err, tt.wantErr) && err != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
			if len(seen) != len(tt.attempts) {
				t.Fatalf("Expected attempts %v, got %v", tt.attempts, seen)
			}
			for i := range seen {
				if seen[i] != tt.attempts[i] {
					t.Errorf("Expected attempts %v, got %v", tt.attempts, seen)
				}
			}
		})
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second

	attempts := 0
	start := time.Now()
	err := Retry(ctx, func(context.Context, int) error {
		attempts++
		cancel()
		return errors.New("fail")
	}, cfg, nil)

	if err == nil || err.Error() != "fail" {
		t.Errorf("Expected last attempt error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Expected cancellation to interrupt the backoff wait")
	}
}

func TestRetry_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Retry(ctx, func(context.Context, int) error {
		called = true
		return nil
	}, fastConfig(3), nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected no attempt on a cancelled context")
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := &RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second}, // capped
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d): expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		got := cfg.Backoff(1)
		if got < 200*time.Millisecond || got > 250*time.Millisecond {
			t.Fatalf("Expected jittered wait in [200ms, 250ms], got %v", got)
		}
	}

	flat := &RetryConfig{InitialBackoff: 50 * time.Millisecond}
	if got := flat.Backoff(3); got != 50*time.Millisecond {
		t.Errorf("Expected a zero multiplier to keep the wait flat, got %v", got)
	}
}

func TestNewRetryableError(t *testing.T) {
	originalErr := errors.New("original error")
	retryableErr := NewRetryableError(originalErr)

	if retryableErr.Error() != "original error" {
		t.Errorf("Expected error message 'original error', got %s", retryableErr.Error())
	}
	if !IsRetryable(retryableErr) {
		t.Error("Expected error to be retryable")
	}
	if IsRetryable(originalErr) {
		t.Error("Expected original error to not be retryable")
	}
	if !errors.Is(retryableErr, originalErr) {
		t.Error("Expected retryable error to unwrap to the original")
	}
	if NewRetryableError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}
