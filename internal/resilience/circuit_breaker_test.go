package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("tool_service", maxFailures, 30*time.Second)
	cb.now = clock.now
	return cb, clock
}

var errDown = errors.New("down")

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, succeed) // resets the streak
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	if cb.State() != StateClosed {
		t.Fatalf("Expected Closed after a broken streak, got %s", cb.State())
	}

	_ = cb.Do(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected Open after 3 consecutive failures, got %s", cb.State())
	}

	called := false
	err := cb.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected protected function not to run while open")
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.RetryAfter != 30*time.Second {
		t.Errorf("Expected OpenError with 30s retry, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenProbes(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()
	_ = cb.Do(ctx, fail)

	clock.advance(31 * time.Second)

	// probes are admitted one at a time; hold them open to fill the slots
	for i := 0; i < 3; i++ {
		if err := cb.admit(); err != nil {
			t.Fatalf("Expected probe %d to be admitted, got %v", i, err)
		}
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected HalfOpen, got %s", cb.State())
	}
	if err := cb.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected half-open admissions to be capped")
	}

	for i := 0; i < 3; i++ {
		cb.RecordResult(true)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed after successful probes, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()
	_ = cb.Do(ctx, fail)

	clock.advance(31 * time.Second)
	_ = cb.Do(ctx, fail)

	if cb.State() != StateOpen {
		t.Fatalf("Expected Open after a failed probe, got %s", cb.State())
	}
	clock.advance(10 * time.Second)
	var openErr *OpenError
	if err := cb.Do(ctx, succeed); !errors.As(err, &openErr) || openErr.RetryAfter != 20*time.Second {
		t.Errorf("Expected the reset timeout to restart at the failed probe, got %v", err)
	}
}

func TestCircuitBreaker_CancelledCallsNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Error("Expected a cancelled call not to trip the breaker")
	}
	if st := cb.Stats(); st.Requests != 0 {
		t.Errorf("Expected no recorded requests, got %d", st.Requests)
	}
}

func TestCircuitBreaker_FailureClassifier(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.WithFailureClassifier(IsServiceFailure)
	ctx := context.Background()

	rejected := status.Error(codes.InvalidArgument, "bad params")
	if err := cb.Do(ctx, func(context.Context) error { return rejected }); err != rejected {
		t.Errorf("Expected the call error to be returned, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatal("Expected a rejected request not to trip the breaker")
	}

	_ = cb.Do(ctx, func(context.Context) error { return status.Error(codes.Unavailable, "down") })
	if cb.State() != StateOpen {
		t.Error("Expected an unavailable service to trip the breaker")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(2)

	var transitions []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "tool_service" {
			t.Errorf("Expected name 'tool_service', got '%s'", name)
		}
		transitions = append(transitions, state)
	})

	ctx := context.Background()
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	clock.advance(time.Minute)
	_ = cb.Do(ctx, succeed)
	cb.Reset()

	want := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, transitions)
		}
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(5)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	st := cb.Stats()
	if st.State != StateClosed {
		t.Errorf("Expected state Closed, got %s", st.State)
	}
	if st.Requests != 3 || st.Failures != 1 || st.ConsecutiveFailures != 1 {
		t.Errorf("Expected 3 requests / 1 failure / 1 consecutive, got %+v", st)
	}
	if st.FailureRate < 33.0 || st.FailureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", st.FailureRate)
	}

	cb.Reset()
	if st := cb.Stats(); st.Requests != 0 || st.Failures != 0 {
		t.Error("Expected stats to be reset")
	}
}
