// Package orchestrator drives a document through node selection, planning,
// execution and aggregation, and falls back to the legacy single-pass
// analysis when that pipeline cannot produce a report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/engine"
	"github.com/wehubfusion/Argus/pkg/inference"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/node"
	"github.com/wehubfusion/Argus/pkg/progress"
	"github.com/wehubfusion/Argus/pkg/report"
)

var (
	// ErrPipeline wraps every failure that escapes selection, planning,
	// execution or aggregation. It always leads to the fallback.
	ErrPipeline = errors.New("pipeline failed")

	// ErrFlagsUnavailable means no feature flags were supplied or detected.
	ErrFlagsUnavailable = errors.New("feature flags unavailable")

	// ErrNoLegacyAnalyzer is returned when the fallback is needed but no
	// legacy analyzer was configured.
	ErrNoLegacyAnalyzer = errors.New("no legacy analyzer configured")
)

// Progress stages reported by the orchestrator.
const (
	StageSelecting   = "selecting"
	StagePlanning    = "planning"
	StageAggregating = "aggregating"
	StageFallback    = "fallback"
	StageDone        = "done"
)

// Selector picks the nodes a set of flags triggers. *catalog.Registry
// implements it.
type Selector interface {
	Select(flags document.Flags) []node.Node
}

// Executor runs a plan. *engine.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, plan *engine.Plan, state *node.SharedState, sink progress.Sink) (*engine.RunResult, error)
}

// Archive stores finished reports. *storage.ReportArchive implements it.
type Archive interface {
	Archive(ctx context.Context, runID string, rep *report.Report) (string, error)
}

// Orchestrator runs documents end to end. It is safe for concurrent use;
// every run has its own state.
type Orchestrator struct {
	selector   Selector
	executor   Executor
	legacy     inference.LegacyAnalyzer
	detector   inference.FeatureDetector
	aggregator *report.Aggregator
	archive    Archive
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    metrics.Recorder
	observer   func(runID string, phase Phase)
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDetector sets the detector Process uses when no flags are given.
func WithDetector(d inference.FeatureDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithMetrics sets the run outcome recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithArchive archives every report that reaches Done.
func WithArchive(a Archive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithPhaseObserver registers a callback invoked on every phase change.
func WithPhaseObserver(fn func(runID string, phase Phase)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// New creates an Orchestrator.
func New(selector Selector, executor Executor, legacy inference.LegacyAnalyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		selector: selector,
		executor: executor,
		legacy:   legacy,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("argus/orchestrator"),
		metrics:  metrics.NoOp{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.aggregator = report.NewAggregator(o.logger)
	return o
}

// RunOption configures a single Process call.
type RunOption func(*runOptions)

type runOptions struct {
	runID string
	sink  progress.Sink
}

// WithRunID overrides the generated run id.
func WithRunID(id string) RunOption {
	return func(r *runOptions) { r.runID = id }
}

// WithProgress sets the progress sink of the run.
func WithProgress(sink progress.Sink) RunOption {
	return func(r *runOptions) { r.sink = sink }
}

// Process runs doc. When flags is nil and a detector is configured the
// flags are detected first; a detection failure leaves them unavailable,
// which sends the run to the fallback.
func (o *Orchestrator) Process(ctx context.Context, doc document.Document, flags document.Flags, opts ...RunOption) (*report.Report, error) {
	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}

	if flags == nil && o.detector != nil {
		detected, err := o.detector.Detect(ctx, doc)
		if err != nil {
			o.logger.Warn("feature detection failed",
				zap.String("run_id", ro.runID),
				zap.Error(err))
		} else {
			flags = detected
		}
	}

	state := node.NewSharedState(ro.runID, doc, flags, ro.sink)
	return o.RunWithFallback(ctx, state)
}

// RunWithFallback runs the pipeline on state. Per-node failures are part of
// a normal report. Any failure of the pipeline itself, including a panic,
// switches to the legacy analyzer; if that fails too its error is returned
// as is.
func (o *Orchestrator) RunWithFallback(ctx context.Context, state *node.SharedState) (*report.Report, error) {
	if state == nil {
		state = node.NewSharedState(uuid.NewString(), document.Document{}, nil, nil)
	}
	start := o.now()
	logger := o.logger.With(zap.String("run_id", state.RunID))

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("run_id", state.RunID),
		attribute.StringSlice("flags", state.Flags.True()),
	))
	defer span.End()
	logger.Debug("run started",
		zap.Bool("flags_available", state.Flags != nil),
		zap.Strings("true_flags", state.Flags.True()))

	r := &run{
		id:      state.RunID,
		tracker: progress.NewTracker(state.Progress),
		observe: o.observer,
	}

	rep, err := o.runPipeline(ctx, state, r, start)
	if err == nil {
		r.setPhase(PhaseDone)
		r.tracker.Complete(StageDone, "report ready")
		elapsed := o.now().Sub(start)
		o.metrics.ObserveRun(metrics.RunSuccess, elapsed)
		span.SetAttributes(attribute.Bool("fallback", false))
		span.SetStatus(codes.Ok, "")
		logger.Info("run completed",
			zap.Int("nodes", len(rep.MultiNodeResults.ProcessedNodes)),
			zap.Int("failures", rep.MultiNodeResults.FailureCount),
			zap.Duration("elapsed", elapsed))
		o.archiveReport(ctx, logger, state.RunID, rep)
		return rep, nil
	}

	logger.Error("pipeline failed, using legacy analysis",
		zap.String("phase", r.phase.String()),
		zap.Error(err))
	span.RecordError(err)
	r.setPhase(PhaseFallback)
	r.tracker.Emit(StageFallback, r.tracker.Last(), "running legacy analysis")

	rep, lerr := o.fallback(ctx, state, start)
	elapsed := o.now().Sub(start)
	if lerr != nil {
		r.setPhase(PhaseFailed)
		o.metrics.ObserveRun(metrics.RunFailed, elapsed)
		span.SetStatus(codes.Error, lerr.Error())
		logger.Error("legacy analysis failed", zap.Error(lerr))
		return nil, lerr
	}

	r.setPhase(PhaseDone)
	r.tracker.Complete(StageDone, "report ready (legacy analysis)")
	o.metrics.ObserveRun(metrics.RunFallback, elapsed)
	span.SetAttributes(attribute.Bool("fallback", true))
	span.SetStatus(codes.Ok, "")
	logger.Info("run completed by legacy analysis", zap.Duration("elapsed", elapsed))
	o.archiveReport(ctx, logger, state.RunID, rep)
	return rep, nil
}

// runPipeline is the happy path. Every error it returns wraps ErrPipeline.
func (o *Orchestrator) runPipeline(ctx context.Context, state *node.SharedState, r *run, start time.Time) (rep *report.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic during %s: %v", ErrPipeline, r.phase, rec)
			rep = nil
		}
	}()

	if state.Flags == nil {
		return nil, fmt.Errorf("%w: %w", ErrPipeline, ErrFlagsUnavailable)
	}
	if o.selector == nil || o.executor == nil {
		return nil, fmt.Errorf("%w: orchestrator is missing a selector or executor", ErrPipeline)
	}

	r.setPhase(PhaseSelecting)
	selected := o.selector.Select(state.Flags)
	r.tracker.Emit(StageSelecting, 5, fmt.Sprintf("%d nodes selected", len(selected)))

	r.setPhase(PhasePlanning)
	plan := engine.BuildPlan(selected)
	r.tracker.Emit(StagePlanning, 10, fmt.Sprintf("%d groups planned", len(plan.Groups)))

	r.setPhase(PhaseExecuting)
	result, err := o.executor.Execute(ctx, plan, state, progress.Scaled(r.tracker, 10, 90))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipeline, err)
	}

	r.setPhase(PhaseAggregating)
	r.tracker.Emit(StageAggregating, 95, "aggregating results")
	rep = o.aggregator.Aggregate(result, plan, o.now().Sub(start))
	return rep, nil
}

// fallback runs the legacy analyzer and reshapes its result.
func (o *Orchestrator) fallback(ctx context.Context, state *node.SharedState, start time.Time) (*report.Report, error) {
	if o.legacy == nil {
		return nil, ErrNoLegacyAnalyzer
	}
	res, err := o.legacy.Analyze(ctx, state.Document, state.Language)
	if err != nil {
		return nil, err
	}
	return report.FromLegacy(res, o.now().Sub(start)), nil
}

func (o *Orchestrator) archiveReport(ctx context.Context, logger *zap.Logger, runID string, rep *report.Report) {
	if o.archive == nil {
		return
	}
	if _, err := o.archive.Archive(ctx, runID, rep); err != nil {
		logger.Warn("report archive failed", zap.Error(err))
	}
}
