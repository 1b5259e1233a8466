package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/wehubfusion/Argus/pkg/catalog"
	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/engine"
	"github.com/wehubfusion/Argus/pkg/inference"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/node"
	"github.com/wehubfusion/Argus/pkg/progress"
	"github.com/wehubfusion/Argus/pkg/report"
	"github.com/wehubfusion/Argus/pkg/storage"
)

func makeNode(name string, flags []string, priority int, out node.OutputMapping, fn node.RunFunc) node.Node {
	if fn == nil {
		fn = func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			return &node.PartialResult{Data: map[string]interface{}{"from": name}}, nil
		}
	}
	return node.MustFunc(node.Definition{
		Name:         name,
		TriggerFlags: flags,
		Priority:     priority,
		Output:       out,
	}, fn)
}

func returning(data interface{}) node.RunFunc {
	return func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return &node.PartialResult{
			Data:     data,
			Metadata: node.ResultMetadata{TokenUsage: document.TokenUsage{Prompt: 4, Completion: 1, Total: 5}},
		}, nil
	}
}

func blocking(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type legacyStub struct {
	mu     sync.Mutex
	calls  int
	result *inference.LegacyResult
	err    error
}

func (l *legacyStub) Analyze(ctx context.Context, doc document.Document, language string) (*inference.LegacyResult, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.result, l.err
}

func (l *legacyStub) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func newLegacy() *legacyStub {
	return &legacyStub{result: &inference.LegacyResult{
		Content:    map[string]interface{}{"summary": "legacy"},
		TokenUsage: document.TokenUsage{Prompt: 20, Completion: 10, Total: 30},
	}}
}

func newOrchestrator(t *testing.T, reg *catalog.Registry, legacy inference.LegacyAnalyzer, cfg engine.Config, opts ...Option) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	exec := engine.NewExecutor(cfg, engine.WithLogger(logger))
	return New(reg, exec, legacy, append([]Option{WithLogger(logger)}, opts...)...)
}

func scenarioCatalog() *catalog.Registry {
	reg := catalog.New()
	reg.MustRegister(
		makeNode("NodeA", []string{"flagX"}, 1, node.OutputMapping{TargetField: "a"}, returning(map[string]interface{}{"val": 1})),
		makeNode("NodeB", []string{"flagY"}, 1, node.OutputMapping{TargetField: "b"}, nil),
		makeNode("NodeC", []string{"flagY", "flagZ"}, 2, node.OutputMapping{TargetField: "c"}, blocking),
	)
	return reg
}

func TestScenario_PartialFailureWithTimeout(t *testing.T) {
	reg := scenarioCatalog()
	flags := document.Flags{"flagX": true, "flagY": false, "flagZ": true}

	selected := reg.Select(flags)
	plan := engine.BuildPlan(selected)
	assert.Equal(t, [][]string{{"NodeA"}, {"NodeC"}}, plan.Structure())

	legacy := newLegacy()
	o := newOrchestrator(t, reg, legacy, engine.DefaultConfig().WithNodeTimeout(50*time.Millisecond))

	rep, err := o.Process(context.Background(), document.Document{Text: "doc"}, flags)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"a": map[string]interface{}{"val": 1}}, rep.Fields)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "NodeC", rep.Errors[0].Node)
	assert.True(t, strings.HasPrefix(rep.Errors[0].Error, "timeout"), rep.Errors[0].Error)
	assert.Equal(t, []string{"NodeA", "NodeC"}, rep.MultiNodeResults.ProcessedNodes)
	assert.Equal(t, 2, rep.MultiNodeResults.ParallelGroups)
	assert.False(t, rep.MultiNodeResults.Fallback)
	assert.Equal(t, 0, legacy.Calls(), "per-node failures must not trigger the fallback")
}

func TestScenario_NoFlagsTrue(t *testing.T) {
	legacy := newLegacy()
	o := newOrchestrator(t, scenarioCatalog(), legacy, engine.DefaultConfig())

	rep, err := o.Process(context.Background(), document.Document{Text: "doc"}, document.Flags{})
	require.NoError(t, err)

	assert.Empty(t, rep.MultiNodeResults.ProcessedNodes)
	assert.Equal(t, report.MessageNothingSelected, rep.MultiNodeResults.Message)
	assert.Empty(t, rep.Fields)
	assert.NotNil(t, rep.Errors)
	assert.Equal(t, 0, legacy.Calls())
}

func TestScenario_ArrayMainReport(t *testing.T) {
	reg := catalog.New()
	reg.MustRegister(
		makeNode("main", []string{"text"}, 1, node.OutputMapping{IsMainReport: true},
			returning([]interface{}{map[string]interface{}{"title": "x"}})),
		makeNode("tables", []string{"table"}, 2, node.OutputMapping{TargetField: "tables"}, nil),
	)
	o := newOrchestrator(t, reg, newLegacy(), engine.DefaultConfig())

	rep, err := o.Process(context.Background(), document.Document{}, document.Flags{"text": true, "table": true})
	require.NoError(t, err)

	assert.Equal(t, "x", rep.Fields["title"])
	assert.Equal(t, map[string]interface{}{"from": "tables"}, rep.Fields["tables"])
	assert.True(t, rep.MultiNodeResults.MainReportNormalized)
	assert.Empty(t, rep.Errors)
	assert.False(t, rep.MultiNodeResults.Fallback)
}

func TestScenario_SharedTargetFieldLaterWins(t *testing.T) {
	// Registering two nodes on one target field is rejected by default.
	strict := catalog.New()
	require.NoError(t, strict.Register(makeNode("first", []string{"f"}, 1, node.OutputMapping{TargetField: "shared"}, nil)))
	err := strict.Register(makeNode("second", []string{"f"}, 2, node.OutputMapping{TargetField: "shared"}, nil))
	require.ErrorIs(t, err, catalog.ErrTargetConflict)

	// With shared targets allowed the later node in execution order wins.
	reg := catalog.New(catalog.WithSharedTargets())
	reg.MustRegister(
		makeNode("first", []string{"f"}, 1, node.OutputMapping{TargetField: "shared"}, returning("one")),
		makeNode("second", []string{"f"}, 2, node.OutputMapping{TargetField: "shared"}, returning("two")),
	)
	o := newOrchestrator(t, reg, newLegacy(), engine.DefaultConfig())

	rep, err := o.Process(context.Background(), document.Document{}, document.Flags{"f": true})
	require.NoError(t, err)

	assert.Equal(t, "two", rep.Fields["shared"])
	assert.Equal(t, []string{"shared"}, rep.MultiNodeResults.OverwrittenFields)
}

func assertFallbackShape(t *testing.T, rep *report.Report) {
	t.Helper()
	require.NotNil(t, rep)
	assert.True(t, rep.MultiNodeResults.Fallback)
	assert.Equal(t, []string{report.LegacyNodeName}, rep.MultiNodeResults.ProcessedNodes)
	assert.NotNil(t, rep.Errors)

	data, err := json.Marshal(rep)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotNil(t, raw["tokenUsage"])
	assert.IsType(t, []interface{}{}, raw["errors"])
}

func TestFallback_NilFlags(t *testing.T) {
	legacy := newLegacy()
	o := newOrchestrator(t, scenarioCatalog(), legacy, engine.DefaultConfig())

	rep, err := o.Process(context.Background(), document.Document{Text: "doc"}, nil)
	require.NoError(t, err)

	assertFallbackShape(t, rep)
	assert.Equal(t, "legacy", rep.Fields["summary"])
	assert.Equal(t, 30, rep.TokenUsage.Total)
	assert.Equal(t, 1, legacy.Calls())
}

func TestFallback_DetectorSuppliesFlags(t *testing.T) {
	detector := inference.DetectorFunc(func(ctx context.Context, doc document.Document) (document.Flags, error) {
		return document.Flags{"flagX": true}, nil
	})
	legacy := newLegacy()
	o := newOrchestrator(t, scenarioCatalog(), legacy, engine.DefaultConfig(), WithDetector(detector))

	rep, err := o.Process(context.Background(), document.Document{Text: "doc"}, nil)
	require.NoError(t, err)

	assert.False(t, rep.MultiNodeResults.Fallback)
	assert.Equal(t, []string{"NodeA"}, rep.MultiNodeResults.ProcessedNodes)
	assert.Equal(t, 0, legacy.Calls())
}

func TestFallback_DetectorFailure(t *testing.T) {
	detector := inference.DetectorFunc(func(ctx context.Context, doc document.Document) (document.Flags, error) {
		return nil, errors.New("detector down")
	})
	legacy := newLegacy()
	o := newOrchestrator(t, scenarioCatalog(), legacy, engine.DefaultConfig(), WithDetector(detector))

	rep, err := o.Process(context.Background(), document.Document{Text: "doc"}, nil)
	require.NoError(t, err)

	assertFallbackShape(t, rep)
	assert.Equal(t, 1, legacy.Calls())
}

type panickingSelector struct{}

func (panickingSelector) Select(flags document.Flags) []node.Node {
	panic("catalog corrupted")
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, plan *engine.Plan, state *node.SharedState, sink progress.Sink) (*engine.RunResult, error) {
	return nil, errors.New("executor unavailable")
}

func TestFallback_PipelineFailures(t *testing.T) {
	tests := []struct {
		name     string
		selector Selector
		executor Executor
	}{
		{"selector panics", panickingSelector{}, engine.NewExecutor(engine.DefaultConfig())},
		{"executor fails", scenarioCatalog(), failingExecutor{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			legacy := newLegacy()
			var phases []Phase
			o := New(tt.selector, tt.executor, legacy,
				WithLogger(zaptest.NewLogger(t)),
				WithPhaseObserver(func(runID string, p Phase) { phases = append(phases, p) }))

			rep, err := o.Process(context.Background(), document.Document{}, document.Flags{"flagX": true})
			require.NoError(t, err)

			assertFallbackShape(t, rep)
			assert.Equal(t, 1, legacy.Calls())
			require.NotEmpty(t, phases)
			assert.Contains(t, phases, PhaseFallback)
			assert.Equal(t, PhaseDone, phases[len(phases)-1])
		})
	}
}

func TestFallback_LegacyErrorReturnedUnchanged(t *testing.T) {
	legacyErr := errors.New("legacy model offline")
	legacy := &legacyStub{err: legacyErr}
	var last Phase
	o := newOrchestrator(t, scenarioCatalog(), legacy, engine.DefaultConfig(),
		WithPhaseObserver(func(runID string, p Phase) { last = p }))

	rep, err := o.Process(context.Background(), document.Document{}, nil)

	assert.Nil(t, rep)
	assert.Same(t, legacyErr, err)
	assert.Equal(t, PhaseFailed, last)
}

func TestFallback_NoLegacyAnalyzer(t *testing.T) {
	o := newOrchestrator(t, scenarioCatalog(), nil, engine.DefaultConfig())

	_, err := o.Process(context.Background(), document.Document{}, nil)
	assert.ErrorIs(t, err, ErrNoLegacyAnalyzer)
}

func TestFallback_NilLegacyResultStillShaped(t *testing.T) {
	legacy := &legacyStub{}
	o := newOrchestrator(t, scenarioCatalog(), legacy, engine.DefaultConfig())

	rep, err := o.Process(context.Background(), document.Document{}, nil)
	require.NoError(t, err)
	assertFallbackShape(t, rep)
}

func TestFallbackShape_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		content := rapid.MapOf(rapid.StringMatching(`[a-z]{1,8}`), rapid.String()).Draw(t, "content")
		prompt := rapid.IntRange(0, 1000).Draw(t, "prompt")
		legacy := &legacyStub{result: &inference.LegacyResult{
			TokenUsage: document.TokenUsage{Prompt: prompt, Total: prompt},
		}}
		if rapid.Bool().Draw(t, "hasContent") {
			legacy.result.Content = make(map[string]interface{}, len(content))
			for k, v := range content {
				legacy.result.Content[k] = v
			}
		}

		o := New(panickingSelector{}, engine.NewExecutor(engine.DefaultConfig()), legacy)
		rep, err := o.Process(context.Background(), document.Document{}, document.Flags{"x": true})
		if err != nil {
			t.Fatalf("fallback returned error: %v", err)
		}
		if rep.Errors == nil {
			t.Fatalf("errors is nil")
		}
		if !rep.MultiNodeResults.Fallback {
			t.Fatalf("fallback flag not set")
		}
		if rep.TokenUsage.Prompt != prompt {
			t.Fatalf("token usage %d, want %d", rep.TokenUsage.Prompt, prompt)
		}
		data, err := json.Marshal(rep)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if string(raw["errors"]) != "[]" {
			t.Fatalf("errors encoded as %s", raw["errors"])
		}
		if string(raw["tokenUsage"]) == "null" {
			t.Fatalf("tokenUsage encoded as null")
		}
	})
}

func TestIsolation_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "nodes")
		reg := catalog.New()
		failing := make(map[string]bool)
		for i := 0; i < n; i++ {
			name := string(rune('a' + i))
			prio := rapid.IntRange(1, 3).Draw(t, "priority")
			var fn node.RunFunc
			switch rapid.IntRange(0, 2).Draw(t, "behaviour") {
			case 1:
				fn = func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
					return nil, errors.New("failed")
				}
				failing[name] = true
			case 2:
				fn = func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
					panic("boom")
				}
				failing[name] = true
			}
			reg.MustRegister(makeNode(name, []string{"on"}, prio, node.OutputMapping{TargetField: name}, fn))
		}

		o := New(reg, engine.NewExecutor(engine.DefaultConfig()), newLegacy())
		rep, err := o.Process(context.Background(), document.Document{}, document.Flags{"on": true})
		if err != nil {
			t.Fatalf("process: %v", err)
		}

		errCount := make(map[string]int)
		for _, rec := range rep.Errors {
			errCount[rec.Node]++
		}
		for i := 0; i < n; i++ {
			name := string(rune('a' + i))
			_, inReport := rep.Fields[name]
			if failing[name] {
				if errCount[name] != 1 || inReport {
					t.Fatalf("failing node %s: %d errors, in report %v", name, errCount[name], inReport)
				}
			} else if !inReport || errCount[name] != 0 {
				t.Fatalf("healthy node %s: %d errors, in report %v", name, errCount[name], inReport)
			}
		}
	})
}

func TestRunWithFallback_PhasesAndProgress(t *testing.T) {
	var phases []Phase
	var mu sync.Mutex
	var percents []float64
	sink := progress.SinkFunc(func(stage string, percent float64, message string) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	})

	o := newOrchestrator(t, scenarioCatalog(), newLegacy(), engine.DefaultConfig(),
		WithPhaseObserver(func(runID string, p Phase) { phases = append(phases, p) }))

	_, err := o.Process(context.Background(), document.Document{}, document.Flags{"flagX": true},
		WithRunID("run-7"), WithProgress(sink))
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseSelecting, PhasePlanning, PhaseExecuting, PhaseAggregating, PhaseDone}, phases)
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

type failingArchive struct{ calls int }

func (f *failingArchive) Archive(ctx context.Context, runID string, rep *report.Report) (string, error) {
	f.calls++
	return "", errors.New("storage down")
}

func TestArchive(t *testing.T) {
	store := storage.NewMemoryStore()
	archive := storage.NewReportArchive(store, nil)
	counters := metrics.NewCounters()
	o := newOrchestrator(t, scenarioCatalog(), newLegacy(), engine.DefaultConfig(),
		WithArchive(archive), WithMetrics(counters))

	rep, err := o.Process(context.Background(), document.Document{}, document.Flags{"flagX": true}, WithRunID("run-9"))
	require.NoError(t, err)

	stored, err := archive.Fetch(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, rep.MultiNodeResults.ProcessedNodes, stored.MultiNodeResults.ProcessedNodes)
	assert.Equal(t, int64(1), counters.Snapshot().Runs[metrics.RunSuccess])

	// archive failures never fail the run
	bad := &failingArchive{}
	o = newOrchestrator(t, scenarioCatalog(), newLegacy(), engine.DefaultConfig(), WithArchive(bad))
	rep, err = o.Process(context.Background(), document.Document{}, document.Flags{"flagX": true})
	require.NoError(t, err)
	assert.NotNil(t, rep)
	assert.Equal(t, 1, bad.calls)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "executing", PhaseExecuting.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.True(t, PhaseDone.Terminal())
	assert.False(t, PhaseFallback.Terminal())
}
