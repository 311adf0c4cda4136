package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments served at /metrics.
type Metrics struct {
	BuildsTotal    *prometheus.CounterVec
	BuildDuration  prometheus.Histogram
	SearchesTotal  *prometheus.CounterVec
	SearchDuration prometheus.Histogram
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivald",
			Name:      "builds_total",
			Help:      "Build attempts by final state.",
		}, []string{"state"}),
		BuildDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rivald",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of index builds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SearchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivald",
			Name:      "search_requests_total",
			Help:      "Search requests by outcome.",
		}, []string{"outcome"}),
		SearchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rivald",
			Name:      "search_duration_seconds",
			Help:      "Latency of search requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
