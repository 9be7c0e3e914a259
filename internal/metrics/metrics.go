// Package metrics exposes Prometheus instrumentation for the task
// engine and protocol state machines, following the teacher's
// pkg/metrics registry-per-package convention.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector registered by this package.
var Registry = prometheus.NewRegistry()

var (
	// QueueDepth tracks how many QueryQueue rows are pending per task kind.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestra",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of pending QueryQueue rows by task kind.",
		},
		[]string{"kind"},
	)

	// TasksTotal counts task-engine dispatches by action and terminal status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestra",
			Subsystem: "taskengine",
			Name:      "tasks_total",
			Help:      "Total number of tasks dispatched, by action and status.",
		},
		[]string{"action", "status"},
	)

	// TaskDuration measures task execution wall-clock time.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestra",
			Subsystem: "taskengine",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds, by action.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		},
		[]string{"action"},
	)

	// MixnetInvocationDuration measures subprocess wall-clock time.
	MixnetInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestra",
			Subsystem: "mixnet",
			Name:      "invocation_duration_seconds",
			Help:      "Mixnet subprocess invocation duration in seconds, by command.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"command"},
	)
)

func init() {
	Registry.MustRegister(QueueDepth, TasksTotal, TaskDuration, MixnetInvocationDuration)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
