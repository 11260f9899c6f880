// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolq_jobs_submitted_total",
			Help: "Total number of jobs admitted to the queue",
		},
		[]string{"tier"},
	)

	JobsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolq_jobs_rejected_total",
			Help: "Total number of jobs rejected at admission",
		},
		[]string{"reason"}, // capacity_global, capacity_owner, validation
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolq_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolq_retries_total",
			Help: "Total number of retried attempts by error kind",
		},
		[]string{"kind"},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolq_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolq_cache_misses_total",
			Help: "Total number of result cache misses",
		},
	)

	// Gauges
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolq_queue_length",
			Help: "Current number of queued jobs",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolq_running_jobs",
			Help: "Current number of jobs being executed",
		},
	)

	// Histogram for job execution duration
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolq_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"tool_id"},
	)
)

// Handler serves the default registry for the /metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
