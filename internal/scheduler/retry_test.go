package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for k, want := range expected {
		assert.Equal(t, want, p.Delay(k), "retry %d", k)
	}
}

func TestRetryManager_PromotesDueRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "agent-1", "analysis", 1)

	h.invoker.setHandler(func(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error) {
		return nil, errors.New("connection reset")
	})
	task := h.submit(t, &model.Task{Type: "analysis", Priority: model.TaskPriorityHigh})
	h.drain(t)

	retrying, err := h.ledger.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusRetrying, retrying.Status)
	assert.Equal(t, 1, retrying.RetryCount)
	require.NotNil(t, retrying.NextAttemptAt)

	rm := NewRetryManager(h.ledger, h.service, time.Hour, zap.NewNop())
	rm.now = func() time.Time { return retrying.NextAttemptAt.Add(-time.Millisecond) }
	assert.Equal(t, 0, rm.ProcessRetries(ctx))

	rm.now = func() time.Time { return retrying.NextAttemptAt.Add(time.Millisecond) }
	assert.Equal(t, 1, rm.ProcessRetries(ctx))
	assert.Equal(t, model.TaskStatusQueued, h.status(t, task.ID))

	n, err := h.queue.Len(ctx, model.TaskPriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Already promoted, nothing left to do
	assert.Equal(t, 0, rm.ProcessRetries(ctx))
}
