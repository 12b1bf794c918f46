// Package metrics holds the Prometheus collectors for the Telemetry &
// Metrics component (C9), injected into the Node Runtime, Orchestrator,
// Event Bus Gateway, Review Coordinator and Observer Plane constructors the
// way a *slog.Logger is.
//
// Grounded on tracing/metrics.go's promauto collector catalogue and
// Namespace/label-vector conventions, adapted from a global default
// registry to an explicit *prometheus.Registry (via promauto.With) so that
// multiple Registry instances — one per test — never collide on duplicate
// collector registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector for the orchestrator process.
type Registry struct {
	reg *prometheus.Registry

	NodeDuration *prometheus.HistogramVec
	NodeAttempts *prometheus.CounterVec
	NodeErrors   *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec

	WorkflowDuration  *prometheus.HistogramVec
	WorkflowsTotal    *prometheus.CounterVec
	WorkflowsInFlight prometheus.Gauge

	ReviewPending prometheus.Gauge
	ReviewDecided *prometheus.CounterVec
	ReviewOverdue *prometheus.CounterVec

	BusPublished *prometheus.CounterVec
	BusConsumed  *prometheus.CounterVec
	BusDLQ       *prometheus.CounterVec

	ObserverConnections prometheus.Gauge
	ObserverDropped     *prometheus.CounterVec
}

// New constructs a Registry backed by a dedicated prometheus.Registry (not
// the global DefaultRegisterer), registering every collector under
// namespace. namespace defaults to "veriflow".
func New(namespace string) *Registry {
	if namespace == "" {
		namespace = "veriflow"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of a single node execution, including retries.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"node", "status"}),

		NodeAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_attempts_total",
			Help:      "Total number of node execution attempts.",
		}, []string{"node", "kind"}),

		NodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_errors_total",
			Help:      "Total number of node execution errors by classified kind.",
		}, []string{"node", "kind"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_circuit_breaker_state",
			Help:      "Circuit breaker state per node (0=closed, 1=half-open, 2=open).",
		}, []string{"node"}),

		WorkflowDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall-clock duration of a workflow from Pending to a terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),

		WorkflowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflows reaching a terminal status.",
		}, []string{"status"}),

		WorkflowsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_in_flight",
			Help:      "Number of workflows currently Running or AwaitingReview.",
		}),

		ReviewPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "review_pending",
			Help:      "Number of workflows currently awaiting operator review.",
		}),

		ReviewDecided: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_decisions_total",
			Help:      "Total number of operator review decisions.",
		}, []string{"decision"}),

		ReviewOverdue: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_overdue_total",
			Help:      "Total number of overdue-review alerts raised.",
		}, []string{"source"}),

		BusPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Total number of envelopes published.",
		}, []string{"topic"}),

		BusConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_consumed_total",
			Help:      "Total number of envelopes consumed, by outcome.",
		}, []string{"topic", "outcome"}),

		BusDLQ: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dlq_total",
			Help:      "Total number of envelopes routed to the dead-letter topic.",
		}, []string{"topic"}),

		ObserverConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_connections",
			Help:      "Number of open observer websocket connections.",
		}),

		ObserverDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_dropped_total",
			Help:      "Total number of notification events dropped from a full connection outbox.",
		}, []string{"room"}),
	}
}

// Handler returns an http.Handler exposing this Registry's collectors in
// the Prometheus exposition format, for mounting at e.g. "/metrics".
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveNode records the outcome of one noderuntime.Runtime.Run call.
func (r *Registry) ObserveNode(node, status string, attempts int, kind string, duration time.Duration) {
	if r == nil {
		return
	}
	r.NodeDuration.WithLabelValues(node, status).Observe(duration.Seconds())
	if kind != "" {
		r.NodeErrors.WithLabelValues(node, kind).Inc()
	}
}

// ObserveWorkflow records a workflow reaching a terminal status.
func (r *Registry) ObserveWorkflow(status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.WorkflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	r.WorkflowsTotal.WithLabelValues(status).Inc()
}

// RecordPublish counts one envelope published to topic.
func (r *Registry) RecordPublish(topic string) {
	if r == nil {
		return
	}
	r.BusPublished.WithLabelValues(topic).Inc()
}

// RecordConsume counts one envelope handled from topic with the given
// outcome ("acked", "nacked", "dlq").
func (r *Registry) RecordConsume(topic, outcome string) {
	if r == nil {
		return
	}
	r.BusConsumed.WithLabelValues(topic, outcome).Inc()
}

// RecordDLQ counts one envelope routed to the dead-letter topic.
func (r *Registry) RecordDLQ(topic string) {
	if r == nil {
		return
	}
	r.BusDLQ.WithLabelValues(topic).Inc()
}

// RecordDecision counts one operator review decision.
func (r *Registry) RecordDecision(decision string) {
	if r == nil {
		return
	}
	r.ReviewDecided.WithLabelValues(decision).Inc()
}

// RecordOverdue counts one overdue-review alert raised by source (e.g.
// "reminder_sweep").
func (r *Registry) RecordOverdue(source string) {
	if r == nil {
		return
	}
	r.ReviewOverdue.WithLabelValues(source).Inc()
}

// SetBreakerState records the current state of node's circuit breaker (0,
// 1, or 2 for closed/half-open/open, matching gobreaker.State's own
// ordering).
func (r *Registry) SetBreakerState(node string, state int) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(node).Set(float64(state))
}

// RecordDrop counts one notification event dropped from a full connection
// outbox. room is the room the drop happened under (empty when the caller
// doesn't track per-room granularity).
func (r *Registry) RecordDrop(room string) {
	if r == nil {
		return
	}
	r.ObserverDropped.WithLabelValues(room).Inc()
}
