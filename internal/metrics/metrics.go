// Package metrics provides Prometheus instrumentation for the addonrules
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only addonrules metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the addonrules server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheSize           prometheus.Gauge
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    prometheus.Counter
	EvaluationDuration  prometheus.Histogram
	CascadePasses       prometheus.Histogram
	EvaluationWarnings  *prometheus.CounterVec
	RulesExcludedTotal  prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

// New creates and registers all addonrules metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrules_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addonrules_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addonrules_cache_size",
			Help: "Number of rules in the in-memory cache.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrules_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrules_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrules_evaluations_total",
			Help: "Total number of rule evaluations.",
		}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "addonrules_evaluation_duration_seconds",
			Help:    "Rule evaluation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CascadePasses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "addonrules_cascade_passes",
			Help:    "Number of cascade passes per evaluation before settling.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		}),

		EvaluationWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrules_evaluation_warnings_total",
			Help: "Total number of evaluation warnings.",
		}, []string{"kind"}),

		RulesExcludedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrules_rules_excluded_total",
			Help: "Total number of rules excluded from evaluation due to dependency cycles.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrules_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addonrules_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.CascadePasses,
		m.EvaluationWarnings,
		m.RulesExcludedTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one evaluation with its latency in seconds.
func (m *Metrics) RecordEvaluation(seconds float64) {
	m.EvaluationsTotal.Inc()
	m.EvaluationDuration.Observe(seconds)
}

// RecordWarning counts an evaluation warning under the given kind.
func (m *Metrics) RecordWarning(kind string) {
	m.EvaluationWarnings.WithLabelValues(kind).Inc()
}

// SetCacheSize updates the rule cache size gauge.
func (m *Metrics) SetCacheSize(size float64) {
	m.CacheSize.Set(size)
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
