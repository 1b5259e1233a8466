package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics tracks limiter activity.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a semaphore bounding how many inference calls are in flight
// across every run sharing it. A circuit breaker stops admitting work after
// a burst of consecutive failures.
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	rejected       atomic.Int64
	peak           atomic.Int64
	waitNs         atomic.Int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter admitting maxConcurrent holders. The circuit
// opens after 100 consecutive failures and probes again after 30s.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with a custom breaker.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(100, 30*time.Second)
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire blocks until a slot is free, ctx is done or the circuit is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		l.rejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		l.rejected.Add(1)
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Record feeds the outcome of work done under a slot to the breaker.
// Context cancellations are not counted as failures.
func (l *Limiter) Record(err error) {
	switch {
	case err == nil:
		l.circuitBreaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		l.circuitBreaker.RecordFailure()
	}
}

// Do runs fn while holding a slot and records its outcome.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	err := fn(ctx)
	l.Record(err)
	return err
}

// CurrentActive returns the number of slots currently held.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Capacity returns the maximum number of concurrent holders.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// GetMetrics returns a snapshot of the limiter counters.
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		TotalRejected:   l.rejected.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// GetAverageWaitTime returns the mean time spent waiting in Acquire.
func (l *Limiter) GetAverageWaitTime() time.Duration {
	acquired := l.acquired.Load()
	if acquired == 0 {
		return 0
	}
	return time.Duration(l.waitNs.Load() / acquired)
}

// CircuitState returns the breaker state.
func (l *Limiter) CircuitState() CircuitBreakerState {
	return l.circuitBreaker.GetState()
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
