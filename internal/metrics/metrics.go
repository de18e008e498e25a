// Package metrics holds the Prometheus collectors of the orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logfleet_tasks_created_total",
		Help: "Tasks created, by operation",
	}, []string{"operation"})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logfleet_task_transitions_total",
		Help: "Task status transitions, by operation and new status",
	}, []string{"operation", "status"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logfleet_task_duration_seconds",
		Help:    "Wall time of finished tasks",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"operation", "status"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logfleet_step_duration_seconds",
		Help:    "Wall time of one step on one machine",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"step", "status"})

	MachineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logfleet_machine_outcomes_total",
		Help: "Per-machine operation outcomes",
	}, []string{"operation", "outcome"})

	StatusWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logfleet_status_write_failures_total",
		Help: "Task or step status writes that failed and were tolerated",
	})

	ProcessesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logfleet_processes_lost_total",
		Help: "Live instances whose pid was found gone and marked stopped",
	})

	GuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logfleet_guard_rejections_total",
		Help: "Config mutations refused before a task was created",
	}, []string{"reason"})
)

// PoolStats is the view of a worker pool exported as gauges.
type PoolStats interface {
	Name() string
	ActiveWorkers() int32
	QueueLen() int
	CallerRuns() int64
}

// RegisterPool exports gauges for p. Call once per pool.
func RegisterPool(reg prometheus.Registerer, p PoolStats) {
	labels := prometheus.Labels{"pool": p.Name()}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "logfleet_pool_active_workers",
		Help:        "Jobs currently executing",
		ConstLabels: labels,
	}, func() float64 { return float64(p.ActiveWorkers()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "logfleet_pool_queue_length",
		Help:        "Jobs waiting in the queue",
		ConstLabels: labels,
	}, func() float64 { return float64(p.QueueLen()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name:        "logfleet_pool_caller_runs_total",
		Help:        "Jobs run on the submitting goroutine because the queue was full",
		ConstLabels: labels,
	}, func() float64 { return float64(p.CallerRuns()) })
}
