// Package metrics defines the prometheus collectors exported by the
// controller on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drydock"

// Skip reasons.
const (
	SkipLockConflict = "lock_conflict"
	SkipBounce       = "bounce"
	SkipStart        = "start"
	SkipResolve      = "resolve"
)

var (
	tasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to the worker pool, by task type",
		},
		[]string{"task_type"},
	)

	tasksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "tasks_skipped_total",
			Help:      "Tasks skipped for the current pass, by reason",
		},
		[]string{"reason"},
	)

	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by state",
		},
		[]string{"state"},
	)

	poolActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Worker slots currently running a task",
		},
	)

	poolCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "capacity",
			Help:      "Worker pool capacity",
		},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "run_duration_seconds",
			Help:      "Wall time of supervised runner processes",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"state"},
	)
)

func IncDispatched(taskType string) {
	tasksDispatched.WithLabelValues(taskType).Inc()
}

func IncSkipped(reason string) {
	tasksSkipped.WithLabelValues(reason).Inc()
}

// RecordFinished counts a terminal task and observes its run time.
func RecordFinished(state string, duration time.Duration) {
	tasksFinished.WithLabelValues(state).Inc()
	runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func SetPoolCapacity(n int) {
	poolCapacity.Set(float64(n))
}

func SetPoolActive(n int) {
	poolActive.Set(float64(n))
}
