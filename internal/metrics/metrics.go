package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmem_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmem_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"agent"},
	)

	MemoryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_memory_operations_total",
			Help: "Total number of memory store operations.",
		},
		[]string{"backend", "operation", "status"},
	)

	MemoryOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmem_memory_operation_duration_seconds",
			Help:    "Memory store operation duration in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)

	SessionCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_session_cache_lookups_total",
			Help: "Session id resolution cache lookups.",
		},
		[]string{"result"},
	)

	CleanupRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_cleanup_rows_total",
			Help: "Rows removed by expiry cleanup.",
		},
		[]string{"category"},
	)

	CleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_cleanup_runs_total",
			Help: "Expiry cleanup sweeps.",
		},
		[]string{"status"},
	)

	MemoryDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_memory_degraded_total",
			Help: "Memory failures swallowed by agent-facing helpers.",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		RateLimitedTotal,
		MemoryOperationsTotal,
		MemoryOperationDuration,
		SessionCacheLookupsTotal,
		CleanupRowsTotal,
		CleanupRunsTotal,
		MemoryDegradedTotal,
	)
}
