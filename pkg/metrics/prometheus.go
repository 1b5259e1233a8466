package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is a Recorder exporting Prometheus collectors. Collectors are
// registered on the Registerer handed to NewPrometheus, never on the global
// default registry, so several instances can coexist in tests.
type Prometheus struct {
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
}

// NewPrometheus registers the Argus collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		nodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Subsystem: "engine",
				Name:      "nodes_total",
				Help:      "Total number of node invocations by node and outcome",
			},
			[]string{"node", "outcome"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "argus",
				Subsystem: "engine",
				Name:      "node_duration_seconds",
				Help:      "Node invocation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"node", "outcome"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Subsystem: "orchestrator",
				Name:      "runs_total",
				Help:      "Total number of document runs by outcome",
			},
			[]string{"outcome"}, // "success", "fallback", "failed"
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "argus",
				Subsystem: "orchestrator",
				Name:      "run_duration_seconds",
				Help:      "Document run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
	}
}

// ObserveNode implements Recorder.
func (p *Prometheus) ObserveNode(node, outcome string, d time.Duration) {
	p.nodesTotal.WithLabelValues(node, outcome).Inc()
	p.nodeDuration.WithLabelValues(node, outcome).Observe(d.Seconds())
}

// ObserveRun implements Recorder.
func (p *Prometheus) ObserveRun(outcome string, d time.Duration) {
	p.runsTotal.WithLabelValues(outcome).Inc()
	p.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

var _ Recorder = (*Prometheus)(nil)
