package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every error a breaker returns without calling
// the protected function
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned while a breaker rejects calls
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s unavailable: circuit open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Calls fail immediately
	StateHalfOpen                     // A few probe calls test recovery
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerStats is a snapshot of a breaker's counters
type BreakerStats struct {
	State               CircuitState
	Requests            int64
	Failures            int64
	ConsecutiveFailures int
	FailureRate         float64 // percent of recorded requests
}

// CircuitBreaker stops calling a dependency after consecutive failures and
// lets a bounded number of probes through once the reset timeout passes.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probes       int
	isFailure    func(error) bool
	now          func() time.Time

	mu            sync.Mutex
	state         CircuitState
	consecutive   int
	openedAt      time.Time
	admitted      int // probes let through while half-open
	probeSuccess  int
	requests      int64
	failures      int64
	onStateChange func(name string, state CircuitState)
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and probes again after resetTimeout
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  max(1, maxFailures),
		resetTimeout: resetTimeout,
		probes:       3,
		isFailure:    func(err error) bool { return err != nil },
		now:          time.Now,
		state:        StateClosed,
	}
}

// WithFailureClassifier counts only errors for which fn is true. Other errors
// are returned to the caller but count as successes for the breaker.
func (cb *CircuitBreaker) WithFailureClassifier(fn func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	cb.isFailure = fn
	cb.mu.Unlock()
	return cb
}

// OnStateChange registers a callback invoked after every transition. It runs
// under the breaker's lock and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Name returns the protected service name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Do runs fn when the breaker admits it. A call abandoned because ctx ended
// says nothing about the dependency and is not recorded.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.mu.Lock()
	failed := cb.isFailure(err)
	cb.mu.Unlock()
	cb.RecordResult(!failed)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.resetTimeout {
			return &OpenError{Name: cb.name, RetryAfter: cb.resetTimeout - elapsed}
		}
		cb.setState(StateHalfOpen)
		cb.admitted = 1
		cb.probeSuccess = 0
		return nil
	case StateHalfOpen:
		if cb.admitted >= cb.probes {
			return &OpenError{Name: cb.name}
		}
		cb.admitted++
	}
	return nil
}

// release returns an unused probe slot
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.admitted > 0 {
		cb.admitted--
	}
}

// RecordResult records the outcome of a call made outside Do
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	if success {
		cb.consecutive = 0
		if cb.state == StateHalfOpen {
			cb.probeSuccess++
			if cb.probeSuccess >= cb.probes {
				cb.setState(StateClosed)
			}
		}
		return
	}

	cb.failures++
	cb.consecutive++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip()
	case cb.state == StateClosed && cb.consecutive >= cb.maxFailures:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.admitted = 0
	cb.probeSuccess = 0
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, s)
	}
}

// State returns the current state without advancing it
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the counters
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := BreakerStats{
		State:               cb.state,
		Requests:            cb.requests,
		Failures:            cb.failures,
		ConsecutiveFailures: cb.consecutive,
	}
	if cb.requests > 0 {
		st.FailureRate = float64(cb.failures) / float64(cb.requests) * 100
	}
	return st
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.consecutive = 0
	cb.admitted = 0
	cb.probeSuccess = 0
	cb.requests = 0
	cb.failures = 0
}
