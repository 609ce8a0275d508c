// Package metrics defines the Prometheus metrics exported by ecoscan.
//
// Metrics live on a private registry served at /metrics, so tests can build
// independent instances. Naming follows Prometheus conventions:
//   - ecoscan_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// All Record methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ecoscan collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	// ProcedureCalls counts procedure calls by procedure and result code.
	ProcedureCalls *prometheus.CounterVec

	// ProcedureDuration is a histogram of procedure latency.
	ProcedureDuration *prometheus.HistogramVec

	// NotificationsFailed counts best-effort notifications that failed, by backend.
	NotificationsFailed *prometheus.CounterVec

	// RateLimited counts requests rejected by a rate limiter, by route.
	RateLimited *prometheus.CounterVec

	// PointsAwarded counts points credited to users on verified disposals.
	PointsAwarded prometheus.Counter

	// WebsocketClients is the number of connected realtime clients.
	WebsocketClients prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProcedureCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecoscan_procedure_calls_total",
				Help: "Total procedure calls by procedure and result code.",
			},
			[]string{"procedure", "code"},
		),
		ProcedureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ecoscan_procedure_duration_seconds",
				Help:    "Duration of procedure calls in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"procedure"},
		),
		NotificationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecoscan_notifications_failed_total",
				Help: "Total notifications that could not be delivered, by backend.",
			},
			[]string{"backend"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecoscan_rate_limited_total",
				Help: "Total requests rejected by rate limiting, by route.",
			},
			[]string{"route"},
		),
		PointsAwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ecoscan_points_awarded_total",
				Help: "Total points credited for verified disposals.",
			},
		),
		WebsocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ecoscan_websocket_clients",
				Help: "Number of connected websocket clients.",
			},
		),
	}

	m.registry.MustRegister(
		m.ProcedureCalls,
		m.ProcedureDuration,
		m.NotificationsFailed,
		m.RateLimited,
		m.PointsAwarded,
		m.WebsocketClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordProcedure records one completed procedure call.
func (m *Metrics) RecordProcedure(procedure, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcedureCalls.WithLabelValues(procedure, code).Inc()
	m.ProcedureDuration.WithLabelValues(procedure).Observe(d.Seconds())
}

// RecordNotificationFailure records a failed publish on backend.
func (m *Metrics) RecordNotificationFailure(backend string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(backend).Inc()
}

// RecordRateLimited records a rejected request on route.
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

// RecordPointsAwarded adds n awarded points.
func (m *Metrics) RecordPointsAwarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PointsAwarded.Add(float64(n))
}

// SetWebsocketClients sets the connected client gauge.
func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}
