// Package metrics holds the gateway's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	ProxiedRequests *prometheus.CounterVec
	ProxyRetries    *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	HealthProbes    *prometheus.CounterVec
	DegradedAuth    prometheus.Counter
	AuthRejected    *prometheus.CounterVec
	RateLimited     prometheus.Counter
}

// New creates and registers all metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all metrics on the given registerer. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction never collides.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProxiedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxied_requests_total",
			Help: "Proxied requests by downstream service and status class",
		}, []string{"service", "status_class"}),
		ProxyRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_retries_total",
			Help: "Retry attempts issued against downstream services",
		}, []string{"service"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "Latency of successful downstream calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"service"}),
		HealthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_health_probes_total",
			Help: "Liveness probes issued, by service and outcome",
		}, []string{"service", "outcome"}),
		DegradedAuth: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_degraded_auth_total",
			Help: "Requests authenticated from embedded claims during identity outages",
		}),
		AuthRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_rejected_total",
			Help: "Rejected authentication attempts by reason",
		}, []string{"reason"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// ObserveProxiedRequest records one completed proxy call.
func (m *Metrics) ObserveProxiedRequest(service string, status int, elapsed time.Duration) {
	m.ProxiedRequests.WithLabelValues(service, statusClass(status)).Inc()
	m.UpstreamLatency.WithLabelValues(service).Observe(elapsed.Seconds())
}

// IncProxyRetry records one retry attempt against a service.
func (m *Metrics) IncProxyRetry(service string) {
	m.ProxyRetries.WithLabelValues(service).Inc()
}

// ObserveHealthProbe records one liveness probe outcome.
func (m *Metrics) ObserveHealthProbe(service string, healthy bool) {
	outcome := "healthy"
	if !healthy {
		outcome = "unhealthy"
	}
	m.HealthProbes.WithLabelValues(service, outcome).Inc()
}

// IncDegradedAuth records one claims-fallback authentication.
func (m *Metrics) IncDegradedAuth() {
	m.DegradedAuth.Inc()
}

// IncAuthRejected records one rejected authentication attempt.
func (m *Metrics) IncAuthRejected(reason string) {
	m.AuthRejected.WithLabelValues(reason).Inc()
}

// IncRateLimited records one rate-limited request.
func (m *Metrics) IncRateLimited() {
	m.RateLimited.Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
