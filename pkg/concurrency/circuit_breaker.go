package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed admits work.
	StateClosed CircuitBreakerState = 0

	// StateOpen rejects work until the reset timeout elapses.
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen admits work to probe whether the provider recovered.
	StateHalfOpen CircuitBreakerState = 2
)

// halfOpenSuccesses closes a half-open circuit.
const halfOpenSuccesses = 5

// CircuitBreaker stops a failing inference provider from being hammered by
// every queued node.
type CircuitBreaker struct {
	state                atomic.Int32
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	lastFailureTime      atomic.Int64
	failureThreshold     int64
	resetTimeout         time.Duration
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and half-opens after resetTimeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether work must be rejected. An open breaker whose reset
// timeout elapsed moves to half-open and admits work.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.GetState() != StateOpen {
		return false
	}
	last := cb.lastFailureTime.Load()
	if last > 0 && time.Since(time.Unix(0, last)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures.Store(0)
	if cb.GetState() == StateHalfOpen {
		if cb.consecutiveSuccesses.Add(1) >= halfOpenSuccesses {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	state := cb.GetState()
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureTime.Store(time.Now().UnixNano())
	failures := cb.consecutiveFailures.Add(1)

	switch {
	case state == StateClosed && failures >= cb.failureThreshold:
		cb.transitionTo(StateOpen)
	case state == StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return cb.consecutiveFailures.Load()
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	cb.consecutiveFailures.Store(0)
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureTime.Store(0)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.GetState() == newState {
		return
	}
	cb.state.Store(int32(newState))

	switch newState {
	case StateClosed:
		cb.consecutiveFailures.Store(0)
		cb.consecutiveSuccesses.Store(0)
	case StateHalfOpen:
		cb.consecutiveSuccesses.Store(0)
	}
}

// String returns the string representation of the state.
func (s CircuitBreakerState) String() string {
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
