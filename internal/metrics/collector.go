// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

// Collector implements the executor and scheduler observers and the
// registry load observer.
type Collector struct {
	workflowsTotal    *prometheus.CounterVec
	workflowsRunning  prometheus.Gauge
	workflowDuration  *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	attemptsTotal     *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	workerLoad        *prometheus.GaugeVec
	compensationTotal *prometheus.CounterVec
}

// NewCollector registers the engine metrics on reg. A nil reg uses the
// default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		workflowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflows by terminal status",
		}, []string{"status"}),
		workflowsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_running",
			Help:      "Workflows currently running",
		}),
		workflowDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"status"}),
		stepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Finished workflow steps by status",
		}, []string{"status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step wall time including retries, in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Task execution attempts by task type and outcome",
		}, []string{"task_type", "status"}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Tasks for which no worker could be reserved",
		}, []string{"task_type"}),
		workerLoad: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_load",
			Help:      "In-flight tasks per worker",
		}, []string{"worker"}),
		compensationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating actions by result",
		}, []string{"result"}),
	}
}

// ObserveAttempt records one executor attempt.
func (c *Collector) ObserveAttempt(taskType agent.TaskType, status task.Status, _ time.Duration) {
	c.attemptsTotal.WithLabelValues(string(taskType), status.String()).Inc()
}

// ObserveLoad matches registry.LoadObserver.
func (c *Collector) ObserveLoad(workerID string, load int) {
	c.workerLoad.WithLabelValues(workerID).Set(float64(load))
}

// DispatchFailed counts a failed worker reservation.
func (c *Collector) DispatchFailed(taskType agent.TaskType) {
	c.dispatchFailures.WithLabelValues(string(taskType)).Inc()
}

func (c *Collector) WorkflowStarted() {
	c.workflowsRunning.Inc()
}

func (c *Collector) WorkflowFinished(status scheduler.Status, d time.Duration) {
	c.workflowsRunning.Dec()
	c.workflowsTotal.WithLabelValues(status.String()).Inc()
	c.workflowDuration.WithLabelValues(status.String()).Observe(d.Seconds())
}

func (c *Collector) StepFinished(taskType agent.TaskType, status scheduler.StepStatus, d time.Duration) {
	c.stepsTotal.WithLabelValues(status.String()).Inc()
	c.stepDuration.WithLabelValues(string(taskType)).Observe(d.Seconds())
}

func (c *Collector) Compensated(ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	c.compensationTotal.WithLabelValues(result).Inc()
}
