// Package metrics exposes TeleVPS operation metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "televps"

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics implements lifecycle.Observer and confirm.Observer.
type Metrics struct {
	operations    *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	readiness     *prometheus.HistogramVec
	confirmations *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused, so New may be called more than once
// per registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by outcome",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of lifecycle operations",
			Buckets:   durationBuckets,
		}, []string{"op"}),
		readiness: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for the tmate marker",
			Buckets:   durationBuckets,
		}, []string{"outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Destroy confirmations by outcome",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
	}

	m.operations = registerCounter(reg, m.operations)
	m.opDuration = registerHistogram(reg, m.opDuration)
	m.readiness = registerHistogram(reg, m.readiness)
	m.confirmations = registerCounter(reg, m.confirmations)
	m.httpRequests = registerCounter(reg, m.httpRequests)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// ObserveOperation records a lifecycle operation.
func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	m.operations.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveReadiness records a readiness wait.
func (m *Metrics) ObserveReadiness(outcome string, d time.Duration) {
	m.readiness.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveConfirmation records a confirmation outcome.
func (m *Metrics) ObserveConfirmation(outcome string) {
	m.confirmations.WithLabelValues(outcome).Inc()
}

// ObserveRequest records an HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}
