// Package metrics owns the prometheus collectors and the admin HTTP
// surface. The engine reports through the Recorder interface so the core
// never blocks on, or imports, prometheus directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine lifecycle signals. Implementations must be cheap
// and non-blocking; they run on the engine loop.
type Recorder interface {
	WorkflowSubmitted()
	WorkflowFinished(status string)

	TaskEnqueued(priority string)
	TaskDispatched(protocol string)
	TaskCompleted(protocol string, duration time.Duration)
	TaskFailed(code string)
	TaskRetried()
	TaskCancelled()

	QueueDepth(priority string, depth int)
	RunningTasks(count int)
	ConnectedProviders(count int)
}

// Nop discards every signal.
type Nop struct{}

func (Nop) WorkflowSubmitted()                    {}
func (Nop) WorkflowFinished(string)               {}
func (Nop) TaskEnqueued(string)                   {}
func (Nop) TaskDispatched(string)                 {}
func (Nop) TaskCompleted(string, time.Duration)   {}
func (Nop) TaskFailed(string)                     {}
func (Nop) TaskRetried()                          {}
func (Nop) TaskCancelled()                        {}
func (Nop) QueueDepth(string, int)                {}
func (Nop) RunningTasks(int)                      {}
func (Nop) ConnectedProviders(int)                {}

// Prometheus implements Recorder on a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	workflowsSubmitted prometheus.Counter
	workflowsFinished  *prometheus.CounterVec

	tasksEnqueued   *prometheus.CounterVec
	tasksDispatched *prometheus.CounterVec
	tasksFailed     *prometheus.CounterVec
	tasksRetried    prometheus.Counter
	tasksCancelled  prometheus.Counter

	taskSeconds *prometheus.HistogramVec

	queueDepth *prometheus.GaugeVec
	running    prometheus.Gauge
	providers  prometheus.Gauge
}

// NewPrometheus builds the collector set on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		workflowsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "workflows_submitted_total",
			Help:      "Workflows accepted for execution.",
		}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "workflows_finished_total",
			Help:      "Workflows reaching a terminal status.",
		}, []string{"status"}),
		tasksEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks entering the ready queue.",
		}, []string{"priority"}),
		tasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "tasks_dispatched_total",
			Help:      "Task attempts sent to providers.",
		}, []string{"protocol"}),
		tasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "tasks_failed_total",
			Help:      "Tasks reaching the failed status.",
		}, []string{"code"}),
		tasksRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "tasks_retried_total",
			Help:      "Task attempts scheduled for retry.",
		}),
		tasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gleitzeit",
			Name:      "tasks_cancelled_total",
			Help:      "Tasks cancelled before completion.",
		}),
		taskSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gleitzeit",
			Name:      "task_execution_seconds",
			Help:      "Provider-side execution time of completed tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"protocol"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gleitzeit",
			Name:      "queue_depth",
			Help:      "Ready-queue depth per priority level.",
		}, []string{"priority"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gleitzeit",
			Name:      "running_tasks",
			Help:      "Tasks currently dispatched and awaiting a response.",
		}),
		providers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gleitzeit",
			Name:      "connected_providers",
			Help:      "Registered provider sessions.",
		}),
	}
}

// Registry exposes the underlying registry for the admin HTTP handler.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) WorkflowSubmitted()              { p.workflowsSubmitted.Inc() }
func (p *Prometheus) WorkflowFinished(status string)  { p.workflowsFinished.WithLabelValues(status).Inc() }
func (p *Prometheus) TaskEnqueued(priority string)    { p.tasksEnqueued.WithLabelValues(priority).Inc() }
func (p *Prometheus) TaskDispatched(protocol string)  { p.tasksDispatched.WithLabelValues(protocol).Inc() }
func (p *Prometheus) TaskFailed(code string)          { p.tasksFailed.WithLabelValues(code).Inc() }
func (p *Prometheus) TaskRetried()                    { p.tasksRetried.Inc() }
func (p *Prometheus) TaskCancelled()                  { p.tasksCancelled.Inc() }
func (p *Prometheus) RunningTasks(count int)          { p.running.Set(float64(count)) }
func (p *Prometheus) ConnectedProviders(count int)    { p.providers.Set(float64(count)) }

func (p *Prometheus) TaskCompleted(protocol string, duration time.Duration) {
	p.taskSeconds.WithLabelValues(protocol).Observe(duration.Seconds())
}

func (p *Prometheus) QueueDepth(priority string, depth int) {
	p.queueDepth.WithLabelValues(priority).Set(float64(depth))
}
