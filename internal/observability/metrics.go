package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	engineCalls     *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of HTTP error responses by error code",
		}, []string{"path", "method", "code"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_transitions_total",
			Help: "Ticket status transitions persisted",
		}, []string{"event", "from", "to"}),
		engineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_calls_total",
			Help: "Process engine calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_callbacks_total",
			Help: "Inbound engine notifications by event type and result",
		}, []string{"event", "result"}),
	}
}

// Registry exposes the registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(path, method, code).Inc()
}

// RecordTransition counts a persisted status change.
func (m *Metrics) RecordTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

// RecordEngineCall counts one engine attempt.
func (m *Metrics) RecordEngineCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.engineCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordCallback counts one inbound engine notification.
func (m *Metrics) RecordCallback(event, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(event, result).Inc()
}
