// Package metrics holds the Prometheus collectors for the smash game.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SmashIncrements counts local optimistic increments.
	SmashIncrements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smash_increments_total",
		Help: "Total number of local smash increments recorded",
	})

	// Flushes counts debounced flushes dispatched to the reconciler.
	Flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smash_flushes_total",
		Help: "Total number of debounced flushes dispatched",
	})

	// FlushAmount observes the coalesced delta size per flush.
	FlushAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smash_flush_amount",
		Help:    "Number of increments coalesced into a single flush",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// ReconcileFailures counts deltas dropped after exhausting retries.
	ReconcileFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_failures_total",
		Help: "Total number of reconciliations that failed after retries",
	})

	// ConflictRetries counts transaction retries on concurrent writes.
	ConflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_conflict_retries_total",
		Help: "Total number of atomic update retries due to write conflicts",
	})

	// FeedPushes counts top-N snapshots published to subscribers.
	FeedPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_pushes_total",
		Help: "Total number of leaderboard snapshots pushed to the feed",
	})

	// HTTPRequestsTotal counts HTTP requests by route, method and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	// HTTPRequestDuration observes request latency by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

// Register registers all collectors. Call once from main.
func Register() {
	prometheus.MustRegister(
		SmashIncrements,
		Flushes,
		FlushAmount,
		ReconcileFailures,
		ConflictRetries,
		FeedPushes,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
