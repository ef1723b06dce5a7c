package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "musesearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SourceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "source_requests_total",
		Help:      "Total page requests to collection sources by source name and result status.",
	}, []string{"source", "status"})

	SourceRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "musesearch",
		Name:      "source_request_duration_seconds",
		Help:      "Collection source fetch duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"source"})

	SourceAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "musesearch",
		Name:      "source_available",
		Help:      "Whether a source is available (1) or blocked by circuit breaker (0).",
	}, []string{"source"})

	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "batches_total",
		Help:      "Total batch page fetches by source and outcome.",
	}, []string{"source", "status"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "cache_hits_total",
		Help:      "Total number of result cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "cache_misses_total",
		Help:      "Total number of result cache misses.",
	})

	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "cache_evictions_total",
		Help:      "Total cache entries removed by reason (expired, sweep, refresh).",
	}, []string{"reason"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "musesearch",
		Name:      "active_sessions",
		Help:      "Number of open search sessions.",
	})

	SearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musesearch",
		Name:      "searches_total",
		Help:      "Total unified searches by outcome (ok, partial, empty, failed, cancelled).",
	}, []string{"outcome"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SourceRequestsTotal,
		SourceRequestDuration,
		SourceAvailable,
		BatchesTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		ActiveSessions,
		SearchesTotal,
	)
}
