// Package engine runs an execution plan: groups strictly in order, the nodes
// of a group concurrently under a worker ceiling, each node under its own
// timeout. A node that fails, panics or times out is recorded and the run
// goes on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/node"
	"github.com/wehubfusion/Argus/pkg/progress"
)

// StageExecuting is the progress stage reported while groups run.
const StageExecuting = "executing"

// RunResult is the outcome of Execute.
type RunResult struct {
	// Results holds the output of every successful node.
	Results map[string]*node.PartialResult
	// Completed lists successful nodes in execution order.
	Completed []string
	// Errors lists failed nodes, group by group, in execution order.
	Errors []ErrorRecord
	// State is the snapshot after the last group was merged.
	State *node.SharedState
	// TokenUsage is the sum over successful nodes.
	TokenUsage document.TokenUsage
}

// Executor runs plans. It holds no per-run state and can be shared.
type Executor struct {
	config  Config
	limiter *concurrency.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics metrics.Recorder
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLimiter bounds node invocations across all runs sharing the limiter.
// The limiter's circuit breaker sees every node outcome.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithMetrics sets the outcome recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithTracer sets the tracer used for run and node spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor creates an executor. Invalid config values fall back to the
// defaults.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	cfg.Validate()
	e := &Executor{
		config:  cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("argus/engine"),
		metrics: metrics.NoOp{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.config
}

// Execute runs plan against state. Node failures never fail the call; they
// end up in RunResult.Errors. An error is returned only for a nil plan or
// state, or when ctx is already done before the first group starts.
func (e *Executor) Execute(ctx context.Context, plan *Plan, state *node.SharedState, sink progress.Sink) (*RunResult, error) {
	if plan == nil {
		return nil, ErrNilPlan
	}
	if state == nil {
		return nil, ErrNilState
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution not started: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("run_id", state.RunID),
		attribute.Int("nodes", plan.Len()),
		attribute.Int("groups", len(plan.Groups)),
		attribute.String("mode", string(e.config.Mode)),
	))
	defer span.End()

	tracker := progress.NewTracker(sink)
	run := &RunResult{
		Results:   make(map[string]*node.PartialResult, plan.Len()),
		Completed: make([]string, 0, plan.Len()),
		Errors:    make([]ErrorRecord, 0),
		State:     state,
	}

	total := plan.Len()
	settled := 0
	tracker.Emit(StageExecuting, 0, fmt.Sprintf("executing %d nodes in %d groups", total, len(plan.Groups)))

	e.logger.Info("executing plan",
		zap.String("run_id", state.RunID),
		zap.Int("nodes", total),
		zap.Int("groups", len(plan.Groups)),
		zap.String("mode", string(e.config.Mode)))

	for gi, group := range plan.Groups {
		onSettled := func(out nodeOutcome) {
			settled++
			status := "completed"
			if out.err != nil {
				status = "failed"
			}
			tracker.Emit(StageExecuting, float64(settled)/float64(total)*100,
				fmt.Sprintf("group %d/%d: %s %s", gi+1, len(plan.Groups), out.name, status))
		}

		var outcomes []nodeOutcome
		if e.config.Mode == concurrency.ModeSequential {
			outcomes = e.runSequential(ctx, group, run.State, onSettled)
		} else {
			outcomes = e.runConcurrent(ctx, group, run.State, onSettled)
		}
		e.merge(run, outcomes)

		e.logger.Debug("group finished",
			zap.String("run_id", state.RunID),
			zap.Int("group", gi+1),
			zap.Int("priority", group.Priority),
			zap.Strings("nodes", group.Names()))
	}

	tracker.Complete(StageExecuting, fmt.Sprintf("%d of %d nodes succeeded", len(run.Completed), total))

	span.SetAttributes(
		attribute.Int("succeeded", len(run.Completed)),
		attribute.Int("failed", len(run.Errors)),
	)
	if len(run.Errors) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d nodes failed", len(run.Errors)))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	e.logger.Info("plan executed",
		zap.String("run_id", state.RunID),
		zap.Int("succeeded", len(run.Completed)),
		zap.Int("failed", len(run.Errors)))

	return run, nil
}

// runConcurrent runs a group on min(MaxConcurrentNodes, len(group)) workers.
// Outcomes are collected here, on the calling goroutine.
func (e *Executor) runConcurrent(ctx context.Context, group Group, state *node.SharedState, onSettled func(nodeOutcome)) []nodeOutcome {
	pool := newGroupPool(e.config.MaxConcurrentNodes, len(group.Nodes), func(ctx context.Context, job nodeJob) nodeOutcome {
		out := e.runNode(ctx, job.node, state)
		out.index = job.index
		return out
	}, e.logger)

	pool.Start(ctx)
	pool.SubmitAll(group.Nodes)
	go pool.Wait()

	outcomes := make([]nodeOutcome, 0, len(group.Nodes))
	for out := range pool.Results() {
		outcomes = append(outcomes, out)
		onSettled(out)
	}
	if failed := pool.Failed(); failed > 0 {
		e.logger.Debug("group had failures",
			zap.Int("priority", group.Priority),
			zap.Int64("failed", failed))
	}
	return outcomes
}

// runSequential runs a group one node at a time.
func (e *Executor) runSequential(ctx context.Context, group Group, state *node.SharedState, onSettled func(nodeOutcome)) []nodeOutcome {
	outcomes := make([]nodeOutcome, 0, len(group.Nodes))
	for i, n := range group.Nodes {
		out := e.runNode(ctx, n, state)
		out.index = i
		outcomes = append(outcomes, out)
		onSettled(out)
	}
	return outcomes
}

// merge folds a finished group into the run and builds the next snapshot.
func (e *Executor) merge(run *RunResult, outcomes []nodeOutcome) {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].index < outcomes[j].index })

	results := make(map[string]*node.PartialResult, len(outcomes))
	order := make([]string, 0, len(outcomes))
	for _, out := range outcomes {
		if out.err != nil {
			run.Errors = append(run.Errors, out.err.Record(out.at))
			continue
		}
		results[out.name] = out.result
		order = append(order, out.name)
		run.Results[out.name] = out.result
		run.Completed = append(run.Completed, out.name)
		run.TokenUsage = run.TokenUsage.Add(out.result.Metadata.TokenUsage)
	}
	run.State = run.State.WithResults(results, order)
}

type nodeReply struct {
	result *node.PartialResult
	err    error
}

// runNode invokes one node under its timeout. The node's context is
// cancelled when the timeout fires; a node that ignores its context keeps
// running in the background but its result is discarded.
func (e *Executor) runNode(ctx context.Context, n node.Node, state *node.SharedState) (out nodeOutcome) {
	def := n.Definition()
	out.name = def.Name
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "engine.node", trace.WithAttributes(
		attribute.String("node", def.Name),
		attribute.Int("priority", def.Priority),
	))
	defer func() {
		out.at = e.now()
		elapsed := out.at.Sub(start)
		outcome := metrics.OutcomeSuccess
		if out.err != nil {
			outcome = metrics.OutcomeFailure
			if out.err.Kind == KindTimeout {
				outcome = metrics.OutcomeTimeout
			}
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
			e.logger.Warn("node failed",
				zap.String("node", def.Name),
				zap.String("kind", string(out.err.Kind)),
				zap.Duration("elapsed", elapsed),
				zap.Error(out.err))
		} else {
			span.SetStatus(codes.Ok, "")
			e.logger.Debug("node completed",
				zap.String("node", def.Name),
				zap.Duration("elapsed", elapsed))
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		e.metrics.ObserveNode(def.Name, outcome, elapsed)
	}()

	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			out.err = &NodeError{Node: def.Name, Kind: KindFailure, Cause: fmt.Errorf("acquire inference slot: %w", err)}
			return out
		}
		defer e.limiter.Release()
	}

	if err := ctx.Err(); err != nil {
		out.err = &NodeError{Node: def.Name, Kind: KindFailure, Cause: fmt.Errorf("cancelled before start: %w", err)}
		return out
	}

	nodeCtx, cancel := context.WithTimeout(ctx, e.config.NodeTimeout)
	defer cancel()

	done := make(chan nodeReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- nodeReply{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		res, err := n.Run(nodeCtx, state)
		done <- nodeReply{result: res, err: err}
	}()

	select {
	case reply := <-done:
		out.result, out.err = e.classify(def.Name, reply, ctx, nodeCtx)
	case <-nodeCtx.Done():
		out.err = e.contextError(def.Name, ctx)
	}

	if e.limiter != nil {
		e.recordHealth(ctx, out.err)
	}
	return out
}

// recordHealth feeds the circuit breaker with backend outcomes only.
// Validation rejections count as successes. Panics and nodes whose run
// context ended are not recorded.
func (e *Executor) recordHealth(parent context.Context, nerr *NodeError) {
	if nerr == nil {
		e.limiter.Record(nil)
		return
	}
	if parent.Err() != nil {
		return
	}
	switch nerr.Kind {
	case KindTimeout, KindFailure:
		e.limiter.Record(nerr)
	case KindValidation:
		// The backend answered; only the payload was rejected.
		e.limiter.Record(nil)
	}
}

// classify turns a node reply into a result or a NodeError.
func (e *Executor) classify(name string, reply nodeReply, parent, nodeCtx context.Context) (*node.PartialResult, *NodeError) {
	if reply.err == nil {
		if reply.result == nil {
			return &node.PartialResult{}, nil
		}
		return reply.result, nil
	}

	var pe *panicError
	switch {
	case errors.As(reply.err, &pe):
		e.logger.Error("node panicked",
			zap.String("node", name),
			zap.Any("panic", pe.value),
			zap.ByteString("stack", pe.stack))
		return nil, &NodeError{Node: name, Kind: KindPanic, Cause: reply.err}
	case parent.Err() != nil && errors.Is(reply.err, parent.Err()):
		return nil, &NodeError{Node: name, Kind: KindFailure, Cause: fmt.Errorf("cancelled: %w", reply.err)}
	case errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && errors.Is(reply.err, context.DeadlineExceeded):
		return nil, &NodeError{Node: name, Kind: KindTimeout, Cause: fmt.Errorf("%w after %s: %v", ErrNodeTimeout, e.config.NodeTimeout, reply.err)}
	case errors.Is(reply.err, node.ErrValidation):
		return nil, &NodeError{Node: name, Kind: KindValidation, Cause: reply.err}
	default:
		return nil, &NodeError{Node: name, Kind: KindFailure, Cause: reply.err}
	}
}

// contextError describes why a node context ended before the node returned.
func (e *Executor) contextError(name string, parent context.Context) *NodeError {
	if err := parent.Err(); err != nil {
		return &NodeError{Node: name, Kind: KindFailure, Cause: fmt.Errorf("cancelled: %w", err)}
	}
	return &NodeError{Node: name, Kind: KindTimeout, Cause: fmt.Errorf("%w after %s", ErrNodeTimeout, e.config.NodeTimeout)}
}
