// Package metrics exposes the pool manager's Prometheus collectors.
// The shape follows fluxor's observability/prometheus package: one
// struct of pre-registered collectors built through promauto against
// an explicit registerer, rather than relying on the global default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this manager exports.
type Metrics struct {
	PoolRunningTasks *prometheus.GaugeVec
	PoolPendingTasks prometheus.Gauge
	WorkerRestarts   *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
}

// New builds a Metrics registered against registerer. Pass
// prometheus.DefaultRegisterer for a normal process, or a fresh
// prometheus.NewRegistry() in tests that construct more than one
// Metrics in the same process.
func New(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		PoolRunningTasks: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolmgr_pool_running_tasks",
				Help: "Number of tasks currently in flight per worker, labeled by pool and pid.",
			},
			[]string{"pool", "pid"},
		),
		PoolPendingTasks: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "poolmgr_pool_pending_tasks",
				Help: "Number of tasks queued but not yet dispatched to a worker.",
			},
		),
		WorkerRestarts: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolmgr_worker_restarts_total",
				Help: "Number of times a pool worker has been restarted after an unexpected exit.",
			},
			[]string{"pool"},
		),
		TasksCompleted: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolmgr_tasks_completed_total",
				Help: "Number of tasks that received a WORK_DONE reply, labeled by pool.",
			},
			[]string{"pool"},
		),
		TasksFailed: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolmgr_tasks_failed_total",
				Help: "Number of tasks that received an ERROR reply or were resolved synthetically, labeled by pool and reason.",
			},
			[]string{"pool", "reason"},
		),
	}
}
