package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/node"
	"github.com/wehubfusion/Argus/pkg/progress"
)

func funcNode(name string, priority int, fn node.RunFunc) node.Node {
	return node.MustFunc(node.Definition{
		Name:         name,
		TriggerFlags: []string{"has_" + name},
		Priority:     priority,
		Output:       node.OutputMapping{TargetField: name},
	}, fn)
}

func okNode(name string, priority int, data interface{}) node.Node {
	return funcNode(name, priority, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return &node.PartialResult{
			Data: data,
			Metadata: node.ResultMetadata{
				TokenUsage: document.TokenUsage{Prompt: 10, Completion: 5, Total: 15},
			},
		}, nil
	})
}

func newState() *node.SharedState {
	return node.NewSharedState("run-1", document.Document{ID: "doc-1", Text: "text"}, document.Flags{}, nil)
}

func execute(t *testing.T, cfg Config, nodes []node.Node, opts ...Option) *RunResult {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	exec := NewExecutor(cfg, opts...)
	run, err := exec.Execute(context.Background(), BuildPlan(nodes), newState(), nil)
	require.NoError(t, err)
	return run
}

func TestExecute_AllSucceed(t *testing.T) {
	run := execute(t, DefaultConfig(), []node.Node{
		okNode("a", 1, map[string]interface{}{"x": 1}),
		okNode("b", 1, map[string]interface{}{"y": 2}),
		okNode("c", 2, map[string]interface{}{"z": 3}),
	})

	assert.Equal(t, []string{"a", "b", "c"}, run.Completed)
	assert.Empty(t, run.Errors)
	assert.Len(t, run.Results, 3)
	assert.Equal(t, document.TokenUsage{Prompt: 30, Completion: 15, Total: 45}, run.TokenUsage)
	assert.Equal(t, run.TokenUsage, run.State.TokenUsage)
}

func TestExecute_EmptyPlan(t *testing.T) {
	var events []float64
	sink := progress.SinkFunc(func(stage string, percent float64, message string) {
		events = append(events, percent)
	})

	exec := NewExecutor(DefaultConfig())
	run, err := exec.Execute(context.Background(), BuildPlan(nil), newState(), sink)
	require.NoError(t, err)

	assert.Empty(t, run.Completed)
	assert.Empty(t, run.Errors)
	assert.Empty(t, run.Results)
	require.NotEmpty(t, events)
	assert.Equal(t, 100.0, events[len(events)-1])
}

func TestExecute_NilArguments(t *testing.T) {
	exec := NewExecutor(DefaultConfig())

	_, err := exec.Execute(context.Background(), nil, newState(), nil)
	assert.ErrorIs(t, err, ErrNilPlan)

	_, err = exec.Execute(context.Background(), BuildPlan(nil), nil, nil)
	assert.ErrorIs(t, err, ErrNilState)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecutor(DefaultConfig())
	_, err := exec.Execute(ctx, BuildPlan([]node.Node{okNode("a", 1, nil)}), newState(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_GroupRunsInParallel(t *testing.T) {
	sleeper := func(name string) node.Node {
		return funcNode(name, 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			time.Sleep(100 * time.Millisecond)
			return &node.PartialResult{Data: name}, nil
		})
	}

	start := time.Now()
	run := execute(t, DefaultConfig(), []node.Node{sleeper("a"), sleeper("b"), sleeper("c")})
	elapsed := time.Since(start)

	assert.Len(t, run.Completed, 3)
	assert.Less(t, elapsed, 250*time.Millisecond, "nodes of one group should overlap")
}

func TestExecute_WorkerCeiling(t *testing.T) {
	var active, peak atomic.Int64
	nodes := make([]node.Node, 8)
	for i := range nodes {
		name := string(rune('a' + i))
		nodes[i] = funcNode(name, 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return &node.PartialResult{}, nil
		})
	}

	run := execute(t, DefaultConfig().WithMaxConcurrentNodes(3), nodes)

	assert.Len(t, run.Completed, 8)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Greater(t, peak.Load(), int64(1))
}

func TestExecute_Sequential(t *testing.T) {
	var active, peak atomic.Int64
	var mu sync.Mutex
	var order []string
	mk := func(name string) node.Node {
		return funcNode(name, 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			cur := active.Add(1)
			if cur > peak.Load() {
				peak.Store(cur)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return &node.PartialResult{}, nil
		})
	}

	run := execute(t, DefaultConfig().WithSequential(true), []node.Node{mk("a"), mk("b"), mk("c")})

	assert.Equal(t, []string{"a", "b", "c"}, run.Completed)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, int64(1), peak.Load())
}

func TestExecute_LaterGroupSeesEarlierOutputs(t *testing.T) {
	var seen interface{}
	var seenOK bool
	reader := funcNode("reader", 2, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		seen, seenOK = state.Output("writer")
		return &node.PartialResult{}, nil
	})

	run := execute(t, DefaultConfig(), []node.Node{
		okNode("writer", 1, map[string]interface{}{"value": "v"}),
		reader,
	})

	assert.Equal(t, []string{"writer", "reader"}, run.Completed)
	require.True(t, seenOK)
	assert.Equal(t, map[string]interface{}{"value": "v"}, seen)
}

func TestExecute_GroupPeersDoNotSeeEachOther(t *testing.T) {
	var sawPeer atomic.Bool
	peer := func(name, other string) node.Node {
		return funcNode(name, 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			time.Sleep(10 * time.Millisecond)
			if _, ok := state.Output(other); ok {
				sawPeer.Store(true)
			}
			return &node.PartialResult{Data: name}, nil
		})
	}

	execute(t, DefaultConfig(), []node.Node{peer("a", "b"), peer("b", "a")})
	assert.False(t, sawPeer.Load())
}

func TestExecute_FailureIsolation(t *testing.T) {
	failing := funcNode("broken", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return nil, errors.New("provider unavailable")
	})
	panicking := funcNode("panicky", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		panic("boom")
	})

	run := execute(t, DefaultConfig(), []node.Node{
		okNode("a", 1, "a"),
		failing,
		panicking,
		okNode("b", 2, "b"),
	})

	assert.Equal(t, []string{"a", "b"}, run.Completed)
	require.Len(t, run.Errors, 2)

	assert.Equal(t, "broken", run.Errors[0].Node)
	assert.Equal(t, KindFailure, run.Errors[0].Kind)
	assert.Equal(t, "provider unavailable", run.Errors[0].Error)
	assert.False(t, run.Errors[0].Timestamp.IsZero())

	assert.Equal(t, "panicky", run.Errors[1].Node)
	assert.Equal(t, KindPanic, run.Errors[1].Kind)
	assert.Contains(t, run.Errors[1].Error, "boom")

	_, ok := run.State.Output("broken")
	assert.False(t, ok)
}

func TestExecute_ValidationKind(t *testing.T) {
	invalid := funcNode("invalid", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return nil, errors.Join(node.ErrValidation, errors.New("missing field"))
	})

	run := execute(t, DefaultConfig(), []node.Node{invalid})

	require.Len(t, run.Errors, 1)
	assert.Equal(t, KindValidation, run.Errors[0].Kind)
}

func TestExecute_Timeout(t *testing.T) {
	cooperative := funcNode("cooperative", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	stubborn := funcNode("stubborn", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		time.Sleep(500 * time.Millisecond)
		return &node.PartialResult{Data: "late"}, nil
	})

	start := time.Now()
	run := execute(t, DefaultConfig().WithNodeTimeout(50*time.Millisecond), []node.Node{
		okNode("fast", 1, "ok"),
		cooperative,
		stubborn,
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 400*time.Millisecond, "a stuck node must not hold the run")
	assert.Equal(t, []string{"fast"}, run.Completed)
	require.Len(t, run.Errors, 2)
	for _, rec := range run.Errors {
		assert.Equal(t, KindTimeout, rec.Kind, rec.Node)
		assert.True(t, strings.HasPrefix(rec.Error, "timeout"), rec.Error)
	}
}

func TestExecute_NilResultIsEmptySuccess(t *testing.T) {
	n := funcNode("quiet", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return nil, nil
	})

	run := execute(t, DefaultConfig(), []node.Node{n})

	require.Contains(t, run.Results, "quiet")
	assert.Nil(t, run.Results["quiet"].Data)
}

func TestExecute_ProgressIsMonotonic(t *testing.T) {
	var mu sync.Mutex
	var percents []float64
	sink := progress.SinkFunc(func(stage string, percent float64, message string) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	})

	nodes := []node.Node{
		okNode("a", 1, nil), okNode("b", 1, nil), okNode("c", 2, nil),
		funcNode("d", 2, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			return nil, errors.New("fail")
		}),
	}
	exec := NewExecutor(DefaultConfig())
	_, err := exec.Execute(context.Background(), BuildPlan(nodes), newState(), sink)
	require.NoError(t, err)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

func TestExecute_MetricsAndSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	counters := metrics.NewCounters()

	failing := funcNode("broken", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return nil, errors.New("nope")
	})
	execute(t, DefaultConfig(), []node.Node{okNode("a", 1, nil), failing},
		WithTracer(tp.Tracer("test")),
		WithMetrics(counters))

	snap := counters.Snapshot()
	assert.Equal(t, int64(1), snap.NodesSucceeded)
	assert.Equal(t, int64(1), snap.NodesFailed)

	var nodeSpans, runSpans int
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "engine.node":
			nodeSpans++
		case "engine.Execute":
			runSpans++
		}
	}
	assert.Equal(t, 2, nodeSpans)
	assert.Equal(t, 1, runSpans)
}

func TestExecute_SharedLimiter(t *testing.T) {
	limiter := concurrency.NewLimiter(1)
	var active, peak atomic.Int64
	mk := func(name string) node.Node {
		return funcNode(name, 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
			cur := active.Add(1)
			if cur > peak.Load() {
				peak.Store(cur)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return &node.PartialResult{}, nil
		})
	}

	run := execute(t, DefaultConfig(), []node.Node{mk("a"), mk("b"), mk("c")}, WithLimiter(limiter))

	assert.Len(t, run.Completed, 3)
	assert.Equal(t, int64(1), peak.Load())
	m := limiter.GetMetrics()
	assert.Equal(t, int64(3), m.TotalAcquired)
	assert.Equal(t, int64(3), m.TotalReleased)
}

func TestExecute_NodeBugsDoNotOpenBreaker(t *testing.T) {
	breaker := concurrency.NewCircuitBreaker(3, time.Minute)
	limiter := concurrency.NewLimiterWithCircuitBreaker(4, breaker)

	invalid := funcNode("invalid", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return nil, errors.Join(node.ErrValidation, errors.New("missing field"))
	})
	panicking := funcNode("panicky", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		panic("boom")
	})

	for i := 0; i < 10; i++ {
		run := execute(t, DefaultConfig(), []node.Node{invalid, panicking}, WithLimiter(limiter))
		require.Len(t, run.Errors, 2)
	}
	assert.False(t, breaker.IsOpen())

	run := execute(t, DefaultConfig(), []node.Node{okNode("good", 1, "ok")}, WithLimiter(limiter))
	assert.Equal(t, []string{"good"}, run.Completed)
	assert.Empty(t, run.Errors)
}

func TestExecute_BackendFailuresOpenBreaker(t *testing.T) {
	breaker := concurrency.NewCircuitBreaker(3, time.Minute)
	limiter := concurrency.NewLimiterWithCircuitBreaker(1, breaker)

	down := funcNode("down", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		return nil, errors.New("provider unavailable")
	})
	for i := 0; i < 3; i++ {
		execute(t, DefaultConfig(), []node.Node{down}, WithLimiter(limiter))
	}
	require.True(t, breaker.IsOpen())

	run := execute(t, DefaultConfig(), []node.Node{okNode("good", 1, "ok")}, WithLimiter(limiter))
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0].Error, concurrency.ErrCircuitOpen.Error())
}

func TestExecute_RunDeadlineIsNotNodeTimeout(t *testing.T) {
	breaker := concurrency.NewCircuitBreaker(1, time.Minute)
	limiter := concurrency.NewLimiterWithCircuitBreaker(1, breaker)
	waiting := funcNode("waiting", 1, func(ctx context.Context, state *node.SharedState) (*node.PartialResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	exec := NewExecutor(DefaultConfig().WithNodeTimeout(time.Minute), WithLogger(zaptest.NewLogger(t)), WithLimiter(limiter))
	run, err := exec.Execute(ctx, BuildPlan([]node.Node{waiting}), newState(), nil)
	require.NoError(t, err)

	require.Len(t, run.Errors, 1)
	assert.Equal(t, KindFailure, run.Errors[0].Kind)
	assert.Contains(t, run.Errors[0].Error, "cancelled")
	assert.NotContains(t, run.Errors[0].Error, "timeout after")
	assert.False(t, breaker.IsOpen())
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	cfg.Validate()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = DefaultConfig().WithMaxConcurrentNodes(2).WithNodeTimeout(time.Second).WithSequential(true)
	cfg.Validate()
	assert.Equal(t, 2, cfg.MaxConcurrentNodes)
	assert.Equal(t, time.Second, cfg.NodeTimeout)
	assert.Equal(t, concurrency.ModeSequential, cfg.Mode)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ARGUS_MAX_CONCURRENT_NODES", "7")
	t.Setenv("ARGUS_NODE_TIMEOUT", "15s")
	t.Setenv("ARGUS_EXECUTION_MODE", "sequential")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.MaxConcurrentNodes)
	assert.Equal(t, 15*time.Second, cfg.NodeTimeout)
	assert.Equal(t, concurrency.ModeSequential, cfg.Mode)
}
