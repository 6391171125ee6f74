// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the orchestrator's collectors. Constructed once per run
// and passed by handle, like every other stateful component.
type Metrics struct {
	registry *prometheus.Registry

	GateDecisions       *prometheus.CounterVec
	EscalationsRaised   *prometheus.CounterVec
	EscalationsResolved prometheus.Counter
	TasksInFlight       prometheus.Gauge
	TicksTotal          prometheus.Counter
	TickDuration        prometheus.Histogram
	ItemsClosed         *prometheus.CounterVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pressroom_gate_decisions_total",
			Help: "Gate decisions rendered, by verdict.",
		}, []string{"verdict"}),
		EscalationsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pressroom_escalations_raised_total",
			Help: "Escalations raised to a human, by category.",
		}, []string{"category"}),
		EscalationsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "pressroom_escalations_resolved_total",
			Help: "Escalations resolved and applied.",
		}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pressroom_tasks_in_flight",
			Help: "Tasks currently in a non-terminal status.",
		}),
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pressroom_loop_ticks_total",
			Help: "Orchestration loop ticks executed.",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pressroom_loop_tick_duration_seconds",
			Help:    "Duration of a single orchestration tick.",
			Buckets: prometheus.DefBuckets,
		}),
		ItemsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pressroom_work_items_closed_total",
			Help: "Work items reaching a terminal state, by state.",
		}, []string{"state"}),
	}
}

// Handler returns an HTTP handler serving the registry, for mounting next
// to /healthz.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
