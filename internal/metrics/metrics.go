package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gazetteer_build_info",
			Help: "Build information of the gazetteer daemon",
		},
		[]string{"version", "commit", "date"},
	)

	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_cache_hits_total",
		Help: "Total number of cache hits per tier",
	}, []string{"tier", "op"})

	CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_cache_misses_total",
		Help: "Total number of cache misses per tier",
	}, []string{"tier", "op"})

	CacheTierErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_cache_tier_errors_total",
		Help: "Total number of tier probe failures that degraded to the next tier",
	}, []string{"tier", "op"})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gazetteer_cache_evictions_total",
		Help: "Total number of in-process cache entries evicted by the size bound",
	})

	CacheInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_cache_invalidations_total",
		Help: "Total number of cache invalidations",
	}, []string{"source"})

	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gazetteer_resolve_duration_seconds",
		Help:    "Duration of resolution calls through the cache coordinator",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // ≈ 0.5ms .. 4s
	}, []string{"op", "tier"})

	StoreQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_store_queries_total",
		Help: "Total number of store queries",
	}, []string{"query", "result"})

	PoolAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_pool_acquires_total",
		Help: "Total number of connection pool acquisitions",
	}, []string{"result"})

	PoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gazetteer_pool_utilization_ratio",
		Help: "Fraction of pool connections currently acquired",
	})

	PoolSaturationWarnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gazetteer_pool_saturation_warnings_total",
		Help: "Total number of pool saturation warnings emitted",
	})

	PoolHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gazetteer_pool_healthy",
		Help: "Whether the last connection pool health probe succeeded",
	})

	PoolProbeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gazetteer_pool_probe_failures_total",
		Help: "Total number of failed pool health probes",
	})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_store_retry_attempts_total",
		Help: "Total number of retried store operations",
	}, []string{"result"})

	RefreshRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_refresh_runs_total",
		Help: "Total number of projection refresh runs",
	}, []string{"projection", "strategy", "result"})

	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gazetteer_refresh_duration_seconds",
		Help:    "Duration of projection refresh runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // ≈ 10ms .. 80s
	}, []string{"projection"})

	RefreshInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gazetteer_refresh_inflight",
		Help: "Number of projection refreshes currently in flight",
	})

	SchedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_scheduler_runs_total",
		Help: "Total number of scheduled refresh cycles",
	}, []string{"status"})

	SchedulerLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gazetteer_scheduler_last_run_timestamp_seconds",
		Help: "Unix timestamp of the last completed scheduled refresh cycle",
	})
)
