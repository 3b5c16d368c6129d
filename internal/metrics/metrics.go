// Package metrics provides Prometheus metrics for blog-cms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScheduleTransitions counts schedule rows moved by the reconciler.
	ScheduleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blogcms",
			Name:      "schedule_transitions_total",
			Help:      "Total number of schedule rows transitioned by the reconciler",
		},
		[]string{"transition"},
	)

	// ScheduleFailures counts rows the reconciler failed to update.
	ScheduleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blogcms",
			Name:      "schedule_failures_total",
			Help:      "Total number of schedule rows that failed to transition",
		},
		[]string{"transition"},
	)

	// ReconcileDuration measures one reconcile tick.
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "blogcms",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconcile ticks in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BlobOperations counts blob store calls by operation and status.
	BlobOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blogcms",
			Name:      "blob_operations_total",
			Help:      "Total number of blob store operations",
		},
		[]string{"operation", "status"},
	)
)

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
