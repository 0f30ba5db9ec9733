// internal/metrics/prometheus.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests processed by the gateway, by tenant and route",
		},
		[]string{"tenant", "route", "status"},
	)

	DenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_denials_total",
			Help: "Requests denied before reaching a handler, by reason",
		},
		[]string{"reason"},
	)

	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_pipeline_duration_seconds",
			Help:    "Gateway overhead per request, handler time excluded",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1},
		},
	)

	ActivePools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_pools",
			Help: "Number of live per-tenant connection pools",
		},
	)

	TrackedConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_tracked_connections",
			Help: "Sum of tracked connections across all tenant pools",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per route (0=closed, 1=open, 2=half-open)",
		},
		[]string{"route"},
	)

	AnalyticsQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_analytics_queue_depth",
			Help: "Current depth of the analytics event queue",
		},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(DenialsTotal)
	prometheus.MustRegister(PipelineDuration)
	prometheus.MustRegister(ActivePools)
	prometheus.MustRegister(TrackedConnections)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(AnalyticsQueueDepth)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
