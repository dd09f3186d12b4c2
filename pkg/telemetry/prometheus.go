package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported on the admin port.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	authFailures     *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	upstreamFailures *prometheus.CounterVec
	jwksRefreshes    *prometheus.CounterVec
	configReloads    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a registry with every gateway collector plus the Go runtime collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests handled by route, method, status code and terminating stage",
			},
			[]string{"route", "method", "status_code", "stage"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Authentication failures by reason code",
			},
			[]string{"code"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests denied by the rate limiter by limiter stage",
			},
			[]string{"stage"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state per upstream (0=closed, 1=half_open, 2=open)",
			},
			[]string{"upstream"},
		),

		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_failures_total",
				Help: "Upstream calls counted as circuit failures by kind",
			},
			[]string{"upstream", "kind"},
		),

		jwksRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_jwks_refreshes_total",
				Help: "JWKS fetches by status",
			},
			[]string{"status"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.authFailures,
		m.rateLimited,
		m.cacheLookups,
		m.circuitState,
		m.upstreamFailures,
		m.jwksRefreshes,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(route, method, statusCode string, stage Stage, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requestsTotal.WithLabelValues(route, method, statusCode, string(stage)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordAuthFailure records a rejected token.
func (m *Metrics) RecordAuthFailure(code string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code).Inc()
}

// RecordRateLimited records a quota denial.
func (m *Metrics) RecordRateLimited(stage string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(stage).Inc()
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetCircuitState publishes the numeric breaker state for an upstream.
func (m *Metrics) SetCircuitState(upstream string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(upstream).Set(float64(state))
}

// RecordUpstreamFailure records a failed or short-circuited upstream call.
func (m *Metrics) RecordUpstreamFailure(upstream, kind string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(upstream, kind).Inc()
}

// RecordJWKSRefresh records a key set fetch.
func (m *Metrics) RecordJWKSRefresh(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.jwksRefreshes.WithLabelValues(status).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
