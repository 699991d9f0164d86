// Package telemetry provides observability primitives for the api-manager
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	PermitRejections *prometheus.CounterVec
	PoolProviders    prometheus.Gauge
	BalanceEvictions *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	UsageQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_manager",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "api_manager",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "api_manager",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "api_manager",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_manager",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider call failures.",
		}, []string{"provider", "status"}),

		PermitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_manager",
			Name:      "permit_rejections_total",
			Help:      "Total selections rejected because the key's concurrency cap was reached.",
		}, []string{"strategy"}),

		PoolProviders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "api_manager",
			Name:      "pool_providers",
			Help:      "Number of providers currently in the pool.",
		}),

		BalanceEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_manager",
			Name:      "balance_evictions_total",
			Help:      "Total providers evicted by the balance reconciler.",
		}, []string{"reason"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_manager",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "api_manager",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.PermitRejections,
		m.PoolProviders,
		m.BalanceEvictions,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}
