package orchestrator

import "github.com/wehubfusion/Argus/pkg/progress"

// Phase is the state of a run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSelecting
	PhasePlanning
	PhaseExecuting
	PhaseAggregating
	PhaseDone
	PhaseFallback
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSelecting:
		return "selecting"
	case PhasePlanning:
		return "planning"
	case PhaseExecuting:
		return "executing"
	case PhaseAggregating:
		return "aggregating"
	case PhaseDone:
		return "done"
	case PhaseFallback:
		return "fallback"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// run is the per-call bookkeeping of RunWithFallback.
type run struct {
	id      string
	phase   Phase
	tracker *progress.Tracker
	observe func(runID string, phase Phase)
}

func (r *run) setPhase(p Phase) {
	r.phase = p
	if r.observe != nil {
		r.observe(r.id, p)
	}
}
