package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_TaskCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.TaskCompleted("shell_command", 2*time.Second)
	m.TaskCompleted("shell_command", time.Second)
	m.TaskFailed("shell_command", "timeout")
	m.TaskDeadLettered("shell_command", "retries_exhausted")

	assert.Equal(t, 2.0, promtest.ToFloat64(m.completed.WithLabelValues("shell_command")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.failed.WithLabelValues("shell_command", "timeout")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.deadLettered.WithLabelValues("shell_command", "retries_exhausted")))
}

func TestMetrics_QueueDepthByPriority(t *testing.T) {
	m := newTestMetrics(t)

	m.QueueDepth(model.TaskPriorityCritical, 3)
	m.QueueDepth(model.TaskPriorityLow, 7)
	m.QueueDepth(model.TaskPriorityCritical, 1)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.queueDepth.WithLabelValues("critical")))
	assert.Equal(t, 7.0, promtest.ToFloat64(m.queueDepth.WithLabelValues("low")))
}

func TestMetrics_WorkflowSeriesDropped(t *testing.T) {
	m := newTestMetrics(t)

	m.CriticalPath("wf-1", 90*time.Second, true)
	assert.Equal(t, 90.0, promtest.ToFloat64(m.criticalPath.WithLabelValues("wf-1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.atRisk.WithLabelValues("wf-1")))

	m.WorkflowFinished("wf-1")
	assert.Equal(t, 0, promtest.CollectAndCount(m.criticalPath))
	assert.Equal(t, 0, promtest.CollectAndCount(m.atRisk))
}

func TestMetrics_BreakerAndRejections(t *testing.T) {
	m := newTestMetrics(t)

	m.BreakerChanged("agent-1", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, promtest.ToFloat64(m.breakerState.WithLabelValues("agent-1")))
	m.BreakerChanged("agent-1", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.breakerState.WithLabelValues("agent-1")))

	m.AdmissionRejected("rate_limited")
	m.AdmissionRejected("rate_limited")
	assert.Equal(t, 2.0, promtest.ToFloat64(m.rejections.WithLabelValues("rate_limited")))
}

func TestMetrics_FleetStatusReplacesCounts(t *testing.T) {
	m := newTestMetrics(t)

	m.FleetStatus(map[model.AgentStatus]int{
		model.AgentStatusAvailable: 2,
		model.AgentStatusOffline:   1,
	})
	m.FleetStatus(map[model.AgentStatus]int{model.AgentStatusBusy: 3})

	assert.Equal(t, 1, promtest.CollectAndCount(m.agents))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.agents.WithLabelValues("BUSY")))
}
