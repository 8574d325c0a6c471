package monitor

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const namespace = "orchestrator"

// Metrics exposes the coordination metrics to Prometheus. It satisfies the
// scheduler's Observer and also takes breaker, admission, autoscaler and
// fleet updates.
type Metrics struct {
	dispatchLatency *prometheus.HistogramVec
	taskDuration    *prometheus.HistogramVec
	completed       *prometheus.CounterVec
	failed          *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	criticalPath    *prometheus.GaugeVec
	atRisk          *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
	rejections      *prometheus.CounterVec
	autoscale       *prometheus.CounterVec
	agents          *prometheus.GaugeVec
	hostCPU         prometheus.Gauge
	hostMemory      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time from enqueue to dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Execution time of completed attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks that completed.",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Failed attempts, including ones that will be retried.",
		}, []string{"type", "reason"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks moved to the dead-letter queue.",
		}, []string{"type", "reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Task ids waiting per priority.",
		}, []string{"priority"}),
		criticalPath: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_critical_path_seconds",
			Help:      "Estimated remaining critical path of running workflows.",
		}, []string{"workflow"}),
		atRisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_at_risk",
			Help:      "1 when a workflow is expected to miss its deadline.",
		}, []string{"workflow"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Per-agent breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"agent"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Calls turned away by the admission gate.",
		}, []string{"reason"}),
		autoscale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoscale_actions_total",
			Help:      "Scaling actions taken per agent type.",
		}, []string{"type", "action"}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents per status.",
		}, []string{"status"}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "CPU usage of the orchestrator host.",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_percent",
			Help:      "Memory usage of the orchestrator host.",
		}),
	}

	collectors := []prometheus.Collector{
		m.dispatchLatency, m.taskDuration, m.completed, m.failed, m.deadLettered,
		m.queueDepth, m.criticalPath, m.atRisk, m.breakerState, m.rejections,
		m.autoscale, m.agents, m.hostCPU, m.hostMemory,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) TaskDispatched(taskType string, latency time.Duration) {
	m.dispatchLatency.WithLabelValues(taskType).Observe(latency.Seconds())
}

func (m *Metrics) TaskCompleted(taskType string, duration time.Duration) {
	m.completed.WithLabelValues(taskType).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

func (m *Metrics) TaskFailed(taskType, reason string) {
	m.failed.WithLabelValues(taskType, reason).Inc()
}

func (m *Metrics) TaskDeadLettered(taskType, reason string) {
	m.deadLettered.WithLabelValues(taskType, reason).Inc()
}

func (m *Metrics) QueueDepth(priority model.TaskPriority, depth int) {
	m.queueDepth.WithLabelValues(priority.String()).Set(float64(depth))
}

func (m *Metrics) CriticalPath(workflowID string, remaining time.Duration, atRisk bool) {
	m.criticalPath.WithLabelValues(workflowID).Set(remaining.Seconds())
	risk := 0.0
	if atRisk {
		risk = 1
	}
	m.atRisk.WithLabelValues(workflowID).Set(risk)
}

// WorkflowFinished drops the per-workflow series
func (m *Metrics) WorkflowFinished(workflowID string) {
	m.criticalPath.DeleteLabelValues(workflowID)
	m.atRisk.DeleteLabelValues(workflowID)
}

// BreakerChanged records a breaker transition. It matches the breaker
// set's state listener.
func (m *Metrics) BreakerChanged(agentID string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(agentID).Set(v)
}

// AdmissionRejected counts a gate rejection. It matches the gate's
// rejection observer.
func (m *Metrics) AdmissionRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// AutoscaleAction counts a scaling action
func (m *Metrics) AutoscaleAction(agentType, action string) {
	m.autoscale.WithLabelValues(agentType, action).Inc()
}

// FleetStatus replaces the per-status agent counts
func (m *Metrics) FleetStatus(counts map[model.AgentStatus]int) {
	m.agents.Reset()
	for status, n := range counts {
		m.agents.WithLabelValues(string(status)).Set(float64(n))
	}
}

// HostUsage records the orchestrator host's cpu and memory
func (m *Metrics) HostUsage(cpuPercent, memPercent float64) {
	m.hostCPU.Set(cpuPercent)
	m.hostMemory.Set(memPercent)
}
