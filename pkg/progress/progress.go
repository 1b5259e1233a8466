// Package progress carries run progress from the engine to whoever is
// watching: a log, a NATS subject or a caller supplied callback.
package progress

import (
	"sync"

	"go.uber.org/zap"
)

// Sink receives progress notifications. Emit must not block the caller for
// long; sinks are fire-and-forget.
type Sink interface {
	Emit(stage string, percent float64, message string)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(stage string, percent float64, message string)

// Emit calls f.
func (f SinkFunc) Emit(stage string, percent float64, message string) {
	f(stage, percent, message)
}

// NoOp discards every notification.
type NoOp struct{}

func (NoOp) Emit(stage string, percent float64, message string) {}

var _ Sink = NoOp{}

// Multi fans a notification out to several sinks.
type Multi []Sink

// Emit forwards to every non-nil sink in order.
func (m Multi) Emit(stage string, percent float64, message string) {
	for _, s := range m {
		if s != nil {
			s.Emit(stage, percent, message)
		}
	}
}

// LogSink writes progress to a zap logger at debug level.
type LogSink struct {
	Logger *zap.Logger
}

// Emit logs the notification.
func (s LogSink) Emit(stage string, percent float64, message string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Debug("progress",
		zap.String("stage", stage),
		zap.Float64("percent", percent),
		zap.String("message", message))
}

// Tracker wraps a Sink and guarantees the percentages it forwards never
// decrease and stay within [0, 100]. It is safe for concurrent use.
type Tracker struct {
	sink Sink
	mu   sync.Mutex
	last float64
	done bool
}

// NewTracker returns a Tracker forwarding to sink. A nil sink is replaced
// by NoOp.
func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = NoOp{}
	}
	return &Tracker{sink: sink}
}

// Emit forwards the notification, clamping percent to the highest value
// already reported.
func (t *Tracker) Emit(stage string, percent float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if percent > 100 {
		percent = 100
	}
	if percent < t.last {
		percent = t.last
	}
	t.last = percent
	if percent == 100 {
		t.done = true
	}
	t.sink.Emit(stage, percent, message)
}

// Complete reports 100% unless it was already reported.
func (t *Tracker) Complete(stage, message string) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if !done {
		t.Emit(stage, 100, message)
	}
}

// Last returns the highest percentage forwarded so far.
func (t *Tracker) Last() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

var _ Sink = (*Tracker)(nil)

// Scaled maps the 0–100 range of an inner stage onto [lo, hi] of sink.
// The orchestrator uses it to embed engine progress in its own scale.
func Scaled(sink Sink, lo, hi float64) Sink {
	if sink == nil {
		sink = NoOp{}
	}
	return SinkFunc(func(stage string, percent float64, message string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		sink.Emit(stage, lo+(hi-lo)*percent/100, message)
	})
}
