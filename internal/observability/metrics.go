package observability

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedRoute is the route label recorded for requests that resolved
// no route. Metric labels always carry route names, never raw paths, so
// label cardinality stays bounded.
const UnmatchedRoute = "unmatched"

// Metrics holds the gateway's Prometheus collectors. All collectors are
// registered on a private registry so parallel gateway instances in tests
// do not collide.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	requestSize         *prometheus.HistogramVec
	responseSize        *prometheus.HistogramVec
	activeRequests      *prometheus.GaugeVec
	authFailures        *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
	rateLimitKeys       prometheus.Gauge
	backendRetries      *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	panicsRecovered     prometheus.Counter
	sinkDropped         prometheus.Counter
	buildInfo           *prometheus.GaugeVec
}

// MetricsOption is a functional option for configuring metrics.
type MetricsOption func(*Metrics)

// WithMetricsRegistry sets the registry metrics are registered on.
func WithMetricsRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates the gateway metric set.
func NewMetrics(opts ...MetricsOption) *Metrics {
	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of requests by method, route, outcome, and status.",
		},
		[]string{"method", "route", "outcome", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	m.requestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_size_bytes",
			Help:      "Inbound request body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"route"},
	)

	m.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "response_size_bytes",
			Help:      "Response body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"route"},
	)

	m.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_requests",
			Help:      "Number of requests currently being processed.",
		},
		[]string{"route"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "auth_failures_total",
			Help:      "Total number of token validation failures by reason.",
		},
		[]string{"reason"},
	)

	m.rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "ratelimit_rejections_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"route"},
	)

	m.rateLimitKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "ratelimit_active_keys",
			Help:      "Number of client keys currently tracked by the rate limiter.",
		},
	)

	m.backendRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "backend_retries_total",
			Help:      "Total number of backend connection retries.",
		},
		[]string{"route"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=half-open, 2=open).",
		},
		[]string{"backend"},
	)

	m.panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered while serving requests.",
		},
	)

	m.sinkDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "sink_dropped_events_total",
			Help:      "Total number of observability events dropped due to a full buffer.",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "build_info",
			Help:      "Build information.",
		},
		[]string{"version", "go_version"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestSize,
		m.responseSize,
		m.activeRequests,
		m.authFailures,
		m.rateLimitRejections,
		m.rateLimitKeys,
		m.backendRetries,
		m.breakerState,
		m.panicsRecovered,
		m.sinkDropped,
		m.buildInfo,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics in Prometheus
// text format with OpenMetrics negotiation enabled.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordRequest records the terminal observation for one request.
func (m *Metrics) RecordRequest(
	method, route string,
	outcome Outcome,
	status int,
	duration time.Duration,
	requestBytes, responseBytes int64,
) {
	m.requestsTotal.WithLabelValues(method, route, string(outcome), strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())

	if requestBytes > 0 {
		m.requestSize.WithLabelValues(route).Observe(float64(requestBytes))
	}
	if responseBytes > 0 {
		m.responseSize.WithLabelValues(route).Observe(float64(responseBytes))
	}
}

// RequestStarted increments the in-flight gauge for a route.
func (m *Metrics) RequestStarted(route string) {
	m.activeRequests.WithLabelValues(route).Inc()
}

// RequestFinished decrements the in-flight gauge for a route.
func (m *Metrics) RequestFinished(route string) {
	m.activeRequests.WithLabelValues(route).Dec()
}

// RecordAuthFailure records a token validation failure.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimitRejection records a rate limiter rejection.
func (m *Metrics) RecordRateLimitRejection(route string) {
	m.rateLimitRejections.WithLabelValues(route).Inc()
}

// SetRateLimitActiveKeys sets the tracked-key gauge.
func (m *Metrics) SetRateLimitActiveKeys(n int) {
	m.rateLimitKeys.Set(float64(n))
}

// RecordBackendRetry records a retried backend connection attempt.
func (m *Metrics) RecordBackendRetry(route string) {
	m.backendRetries.WithLabelValues(route).Inc()
}

// SetBreakerState sets the circuit breaker state gauge for a backend.
func (m *Metrics) SetBreakerState(backend string, state int) {
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordPanic counts a recovered request panic.
func (m *Metrics) RecordPanic() {
	m.panicsRecovered.Inc()
}

// RecordSinkDrop counts an observability event lost to backpressure.
func (m *Metrics) RecordSinkDrop() {
	m.sinkDropped.Inc()
}

// SetBuildInfo records the build version gauge.
func (m *Metrics) SetBuildInfo(version string) {
	m.buildInfo.WithLabelValues(version, runtime.Version()).Set(1)
}
