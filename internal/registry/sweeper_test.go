package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

type fakeProber struct {
	answers map[string]*model.HealthStatus
}

func (p *fakeProber) CheckHealth(_ context.Context, agent *model.Agent) (*model.HealthStatus, error) {
	status, ok := p.answers[agent.ID]
	if !ok {
		return nil, errors.New("no responders")
	}
	return status, nil
}

type orphanSink struct {
	mu    sync.Mutex
	tasks map[string][]string
}

func (s *orphanSink) handle(_ context.Context, agentID string, taskIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[agentID] = append(s.tasks[agentID], taskIDs...)
}

func TestSweeper(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	register(t, r, "gone", "coder", "code")
	register(t, r, "sick", "coder", "code")
	register(t, r, "fine", "coder", "code")
	register(t, r, "fresh", "coder", "code")

	_, err := r.ReserveSlot(ctx, "gone", "t1")
	require.NoError(t, err)

	// Everyone but "fresh" stops heartbeating
	*now = now.Add(time.Minute)
	_, err = r.Heartbeat(ctx, "fresh")
	require.NoError(t, err)

	prober := &fakeProber{answers: map[string]*model.HealthStatus{
		"sick":  {AgentID: "sick", Healthy: false, Message: "disk full"},
		"fine":  {AgentID: "fine", Healthy: true},
		"fresh": {AgentID: "fresh", Healthy: false},
	}}
	sink := &orphanSink{tasks: map[string][]string{}}
	sweeper := NewSweeper(r, prober, sink.handle, zap.NewNop())

	sweeper.Sweep(ctx)

	status := func(id string) model.AgentStatus {
		a, err := r.Get(ctx, id)
		require.NoError(t, err)
		return a.Status
	}
	assert.Equal(t, model.AgentStatusOffline, status("gone"))
	assert.Equal(t, model.AgentStatusError, status("sick"))
	assert.Equal(t, model.AgentStatusAvailable, status("fine"))
	assert.Equal(t, model.AgentStatusAvailable, status("fresh"), "fresh agents are not probed")
	assert.Equal(t, []string{"t1"}, sink.tasks["gone"])

	// Past the purge grace the silent agent disappears
	*now = now.Add(10 * time.Minute)
	_, err = r.Heartbeat(ctx, "fine")
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, "fresh")
	require.NoError(t, err)
	sweeper.Sweep(ctx)

	_, err = r.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = r.Get(ctx, "sick")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, model.AgentStatusAvailable, status("fine"))
}
