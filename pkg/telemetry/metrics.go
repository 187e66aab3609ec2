// Package telemetry exposes Prometheus metrics for the gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth outcomes recorded by the middleware.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	authRequests       *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the gateway collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		authRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dvgate_auth_requests_total",
			Help: "Bearer token validation and authorization outcomes.",
		}, []string{"outcome"}),
		resolutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dvgate_resolution_duration_seconds",
			Help:    "Latency of identity resolution by flow.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow", "outcome"}),
	}
}

// RecordAuth counts one authentication outcome.
func (m *Metrics) RecordAuth(outcome string) {
	if m == nil {
		return
	}
	m.authRequests.WithLabelValues(outcome).Inc()
}

// RecordResolution observes one identity resolution.
func (m *Metrics) RecordResolution(flow, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.resolutionDuration.WithLabelValues(flow, outcome).Observe(seconds)
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
