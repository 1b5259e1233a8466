// Package metrics records node and run outcomes for observability.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Node outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Run outcomes.
const (
	RunSuccess  = "success"
	RunFallback = "fallback"
	RunFailed   = "failed"
)

// Recorder receives node and run outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveNode(node, outcome string, d time.Duration)
	ObserveRun(outcome string, d time.Duration)
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	NodesSucceeded int64
	NodesFailed    int64
	NodesTimedOut  int64
	NodeTimeNs     int64
	Runs           map[string]int64
}

// Counters is an in-process Recorder backed by atomics.
type Counters struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	nodeTime  atomic.Int64
	mu        sync.Mutex
	runs      map[string]int64
}

// NewCounters creates an empty Counters.
func NewCounters() *Counters {
	return &Counters{runs: make(map[string]int64)}
}

// ObserveNode implements Recorder.
func (c *Counters) ObserveNode(node, outcome string, d time.Duration) {
	switch outcome {
	case OutcomeSuccess:
		c.succeeded.Add(1)
	case OutcomeTimeout:
		c.timedOut.Add(1)
	default:
		c.failed.Add(1)
	}
	c.nodeTime.Add(d.Nanoseconds())
}

// ObserveRun implements Recorder.
func (c *Counters) ObserveRun(outcome string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[outcome]++
}

// Snapshot returns the current counters.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	runs := make(map[string]int64, len(c.runs))
	for k, v := range c.runs {
		runs[k] = v
	}
	c.mu.Unlock()

	return Snapshot{
		NodesSucceeded: c.succeeded.Load(),
		NodesFailed:    c.failed.Load(),
		NodesTimedOut:  c.timedOut.Load(),
		NodeTimeNs:     c.nodeTime.Load(),
		Runs:           runs,
	}
}

// AverageNodeTime returns the mean node duration.
func (c *Counters) AverageNodeTime() time.Duration {
	total := c.succeeded.Load() + c.failed.Load() + c.timedOut.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(c.nodeTime.Load() / total)
}

var _ Recorder = (*Counters)(nil)

// NoOp discards everything.
type NoOp struct{}

func (NoOp) ObserveNode(node, outcome string, d time.Duration) {}
func (NoOp) ObserveRun(outcome string, d time.Duration)        {}

var _ Recorder = NoOp{}

// Multi forwards to several recorders.
type Multi []Recorder

// ObserveNode implements Recorder.
func (m Multi) ObserveNode(node, outcome string, d time.Duration) {
	for _, r := range m {
		r.ObserveNode(node, outcome, d)
	}
}

// ObserveRun implements Recorder.
func (m Multi) ObserveRun(outcome string, d time.Duration) {
	for _, r := range m {
		r.ObserveRun(outcome, d)
	}
}
