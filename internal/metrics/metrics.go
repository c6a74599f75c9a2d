// Package metrics exposes Prometheus instrumentation for the ranking engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ranking runs
	RankingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedrank_runs_total",
			Help: "Total number of ranking runs by outcome",
		},
		[]string{"outcome"}, // ok, aborted, interrupted
	)

	RankingRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedrank_run_duration_seconds",
			Help:    "Duration of ranking runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	RankingItemsScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedrank_items_scored_total",
			Help: "Items processed by ranking runs",
		},
		[]string{"outcome"}, // recommended, unrecommended, failed, skipped
	)

	RankingLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedrank_last_run_timestamp_seconds",
			Help: "Unix time of the last completed ranking run",
		},
	)

	// Feed
	FeedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedrank_feed_requests_total",
			Help: "Feed page requests by cache result",
		},
		[]string{"cache"}, // hit, miss
	)

	// Key-value cache
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedrank_cache_errors_total",
			Help: "Key-value cache operation failures after retries",
		},
		[]string{"operation"},
	)

	CacheBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedrank_cache_breaker_state",
			Help: "Cache circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Scheduler
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedrank_scheduler_ticks_total",
			Help: "Auto-update scheduler ticks by result",
		},
		[]string{"result"}, // idle, ran, failed, skipped
	)
)
