// Package metrics exposes Prometheus instrumentation for the run loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestration counters and gauges. Constructed once
// per run against an explicit registry so tests can use isolated
// registries.
type Metrics struct {
	TasksDispatched  prometheus.Counter
	TasksCompleted   prometheus.Counter
	TasksFailed      prometheus.Counter
	MergesSucceeded  prometheus.Counter
	MergesConflicted prometheus.Counter
	RetriesGranted   prometheus.Counter
	RetriesDenied    prometheus.Counter
	ScopeConflicts   prometheus.Counter
	WorkersReclaimed prometheus.Counter
	ActiveWorkers    prometheus.Gauge
	BatchWidth       prometheus.Histogram
	WorkerStates     *prometheus.CounterVec
}

// New registers the foreman metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_tasks_dispatched_total",
			Help: "Workers dispatched, one per task attempt.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_tasks_completed_total",
			Help: "Task attempts that finished successfully.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_tasks_failed_total",
			Help: "Task attempts that failed.",
		}),
		MergesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_merges_succeeded_total",
			Help: "Worker branches merged back to the base branch.",
		}),
		MergesConflicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_merges_conflicted_total",
			Help: "Merge-backs aborted on rebase conflict.",
		}),
		RetriesGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_retries_granted_total",
			Help: "Retry decisions that granted a resubmission.",
		}),
		RetriesDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_retries_denied_total",
			Help: "Retry decisions that denied a resubmission.",
		}),
		ScopeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_scope_conflicts_total",
			Help: "File-scope conflicts serialized into sub-batches.",
		}),
		WorkersReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_workers_reclaimed_total",
			Help: "Hung or dead workers forcibly reclaimed.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_active_workers",
			Help: "Workers currently executing.",
		}),
		BatchWidth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_batch_width",
			Help:    "Tasks per dispatched batch.",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		WorkerStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_worker_state_checks_total",
			Help: "Health check classifications by state.",
		}, []string{"state"}),
	}
}
