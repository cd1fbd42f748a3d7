package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the admission engine.
type Metrics struct {
	// AdmissionDecisions counts admission outcomes by check
	AdmissionDecisions *prometheus.CounterVec
	// ReserveLatency tracks ledger reservation latency by granularity
	ReserveLatency *prometheus.HistogramVec
	// RollbacksTotal counts saga compensations by status
	RollbacksTotal *prometheus.CounterVec
	// SweepRunsTotal counts retention sweeper runs by status
	SweepRunsTotal *prometheus.CounterVec
	// SweepDeletedRows counts ledger rows removed by the sweeper
	SweepDeletedRows prometheus.Counter
	// StoreErrors counts counter-store failures by operation
	StoreErrors *prometheus.CounterVec
	// ConcurrencyAcquires counts concurrency slot acquisition attempts
	ConcurrencyAcquires *prometheus.CounterVec
	// ConcurrencyReleases counts concurrency slot releases
	ConcurrencyReleases prometheus.Counter
	// ConcurrencyInFlight tracks in-flight work per principal
	ConcurrencyInFlight *prometheus.GaugeVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Total number of admission decisions",
			},
			[]string{"outcome", "check"},
		),
		ReserveLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reserve_latency_seconds",
				Help:      "Ledger reservation latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"granularity"},
		),
		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of compensating decrements",
			},
			[]string{"status"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Total number of retention sweeper runs",
			},
			[]string{"status"},
		),
		SweepDeletedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_deleted_rows_total",
				Help:      "Total number of usage windows deleted by the sweeper",
			},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of counter store failures",
			},
			[]string{"operation"},
		),
		ConcurrencyAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_acquires_total",
				Help:      "Total number of concurrency slot acquisition attempts",
			},
			[]string{"status"},
		),
		ConcurrencyReleases: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_releases_total",
				Help:      "Total number of concurrency slot releases",
			},
		),
		ConcurrencyInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "concurrency_in_flight",
				Help:      "Current in-flight work per principal",
			},
			[]string{"principal_id"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.AdmissionDecisions,
		m.ReserveLatency,
		m.RollbacksTotal,
		m.SweepRunsTotal,
		m.SweepDeletedRows,
		m.StoreErrors,
		m.ConcurrencyAcquires,
		m.ConcurrencyReleases,
		m.ConcurrencyInFlight,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision records one admission outcome. check is empty for allows.
func (m *Metrics) RecordDecision(outcome, check string) {
	m.AdmissionDecisions.WithLabelValues(outcome, check).Inc()
}

// RecordReserveLatency records a ledger reservation duration.
func (m *Metrics) RecordReserveLatency(granularity string, seconds float64) {
	m.ReserveLatency.WithLabelValues(granularity).Observe(seconds)
}

// RecordRollback records one compensating decrement by status.
func (m *Metrics) RecordRollback(status string) {
	m.RollbacksTotal.WithLabelValues(status).Inc()
}

// RecordSweep records a sweeper run and the rows it deleted.
func (m *Metrics) RecordSweep(status string, deleted int64) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	if deleted > 0 {
		m.SweepDeletedRows.Add(float64(deleted))
	}
}

// RecordStoreError records a counter-store failure.
func (m *Metrics) RecordStoreError(operation string) {
	m.StoreErrors.WithLabelValues(operation).Inc()
}

// RecordConcurrencyAcquire records a concurrency slot attempt.
func (m *Metrics) RecordConcurrencyAcquire(status string) {
	m.ConcurrencyAcquires.WithLabelValues(status).Inc()
}

// RecordConcurrencyRelease records a concurrency slot release.
func (m *Metrics) RecordConcurrencyRelease() {
	m.ConcurrencyReleases.Inc()
}

// SetConcurrencyInFlight sets the in-flight gauge for a principal.
func (m *Metrics) SetConcurrencyInFlight(principalID string, n int64) {
	m.ConcurrencyInFlight.WithLabelValues(principalID).Set(float64(n))
}

// RemoveConcurrencyInFlight drops the gauge label for a deleted principal.
func (m *Metrics) RemoveConcurrencyInFlight(principalID string) {
	m.ConcurrencyInFlight.DeleteLabelValues(principalID)
}

// RecordRequestLatency records HTTP request latency.
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, seconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(seconds)
}

// RecordHTTPRequest counts one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight gauge.
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight gauge.
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
