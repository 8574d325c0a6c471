package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResourceMonitor_Overloaded(t *testing.T) {
	rm := NewResourceMonitor(ResourceLimits{MaxCPU: 90, MaxMemory: 80}, 0, zap.NewNop())
	cpu, mem := 10.0, 20.0
	rm.sample = func(context.Context) (float64, float64, error) { return cpu, mem, nil }
	ctx := context.Background()

	require.NoError(t, rm.Collect(ctx))
	overloaded, _ := rm.Overloaded()
	assert.False(t, overloaded)
	assert.Equal(t, 10.0, rm.Last().CPUUsage)
	assert.False(t, rm.Last().CollectedAt.IsZero())

	cpu = 95
	require.NoError(t, rm.Collect(ctx))
	overloaded, reason := rm.Overloaded()
	assert.True(t, overloaded)
	assert.Contains(t, reason, "cpu")

	cpu, mem = 10, 85
	require.NoError(t, rm.Collect(ctx))
	overloaded, reason = rm.Overloaded()
	assert.True(t, overloaded)
	assert.Contains(t, reason, "memory")
}

func TestResourceMonitor_FailedSampleKeepsLast(t *testing.T) {
	rm := NewResourceMonitor(ResourceLimits{}, 0, zap.NewNop())
	rm.sample = func(context.Context) (float64, float64, error) { return 33, 44, nil }
	require.NoError(t, rm.Collect(context.Background()))

	rm.sample = func(context.Context) (float64, float64, error) { return 0, 0, errors.New("no procfs") }
	assert.Error(t, rm.Collect(context.Background()))
	assert.Equal(t, 33.0, rm.Last().CPUUsage)
	assert.Equal(t, 44.0, rm.Last().MemoryUsage)
}

func TestResourceMonitor_UnhealthyAgent(t *testing.T) {
	rm := NewResourceMonitor(ResourceLimits{MaxCPU: 50}, 0, zap.NewNop())
	rm.sample = func(context.Context) (float64, float64, error) { return 99, 10, nil }
	require.NoError(t, rm.Collect(context.Background()))

	e := startAgent(t, AgentConfig{}, WithResourceMonitor(rm))
	e.start(t)

	health, err := e.client.CheckHealth(context.Background(), e.target)
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Contains(t, health.Message, "cpu usage")
	assert.Equal(t, 99.0, e.agent.Stats().CPUUsage)
}
