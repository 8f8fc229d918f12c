// Package metrics holds the service's Prometheus collectors. Every Metrics
// owns its registry, so tests can build as many as they like.
//
// Recording methods are safe on a nil *Metrics and do nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud"

// Metrics is the collector set
type Metrics struct {
	registry *prometheus.Registry
	labels   prometheus.Labels

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Evaluator
	EvaluationDuration prometheus.Histogram
	EvaluationsTotal   *prometheus.CounterVec
	InputFailuresTotal *prometheus.CounterVec
	MLFallbacksTotal   prometheus.Counter

	// Alerts and admin
	AlertsCreatedTotal    prometheus.Counter
	AlertTransitionsTotal *prometheus.CounterVec
	SeedTransactionsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a fresh registry
func New(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		labels:   labels,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "HTTP requests by method, route and status code",
			ConstLabels: labels,
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "scoring",
			Name:        "evaluation_duration_seconds",
			Help:        "Time to score one transaction",
			ConstLabels: labels,
			Buckets:     []float64{.001, .0025, .005, .01, .025, .05, .1, .2, .5, 1},
		}),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scoring",
			Name:        "evaluations_total",
			Help:        "Persisted evaluations by risk category",
			ConstLabels: labels,
		}, []string{"risk_category"}),
		InputFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scoring",
			Name:        "input_failures_total",
			Help:        "Scoring inputs that failed and were replaced by an empty history",
			ConstLabels: labels,
		}, []string{"input"}),
		MLFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scoring",
			Name:        "ml_fallbacks_total",
			Help:        "Model calls replaced by the heuristic fallback score",
			ConstLabels: labels,
		}),

		AlertsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "alerts",
			Name:        "created_total",
			Help:        "Alerts opened for FLAGGED evaluations",
			ConstLabels: labels,
		}),
		AlertTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "alerts",
			Name:        "transitions_total",
			Help:        "Analyst status changes by previous and new status",
			ConstLabels: labels,
		}, []string{"from", "to"}),
		SeedTransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "admin",
			Name:        "seed_transactions_total",
			Help:        "Synthetic transactions submitted by seed batches",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationDuration,
		m.EvaluationsTotal,
		m.InputFailuresTotal,
		m.MLFallbacksTotal,
		m.AlertsCreatedTotal,
		m.AlertTransitionsTotal,
		m.SeedTransactionsTotal,
	)
	return m
}

// RegisterDropped exposes a counter read from fn at scrape time, for
// components that already count their own dropped events
func (m *Metrics) RegisterDropped(fn func() int64) error {
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "events",
		Name:        "dropped_total",
		Help:        "Events dropped because a subscriber buffer was full",
		ConstLabels: m.labels,
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveEvaluation records the latency of one scoring call
func (m *Metrics) ObserveEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(d.Seconds())
}

// EvaluationStored counts a persisted evaluation
func (m *Metrics) EvaluationStored(category string) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(category).Inc()
}

// InputFailed counts a scoring input that degraded to an empty history
func (m *Metrics) InputFailed(input string) {
	if m == nil {
		return
	}
	m.InputFailuresTotal.WithLabelValues(input).Inc()
}

// MLFallback counts a model call answered by the fallback score
func (m *Metrics) MLFallback() {
	if m == nil {
		return
	}
	m.MLFallbacksTotal.Inc()
}

// AlertCreated counts an opened alert
func (m *Metrics) AlertCreated() {
	if m == nil {
		return
	}
	m.AlertsCreatedTotal.Inc()
}

// AlertTransition counts a status change
func (m *Metrics) AlertTransition(from, to string) {
	if m == nil {
		return
	}
	m.AlertTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SeedCompleted counts the persisted and failed submissions of a seed batch
func (m *Metrics) SeedCompleted(persisted, failed int64) {
	if m == nil {
		return
	}
	m.SeedTransactionsTotal.WithLabelValues("persisted").Add(float64(persisted))
	m.SeedTransactionsTotal.WithLabelValues("failed").Add(float64(failed))
}
