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

	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(kvstore.NewMemoryStore(0), nil, Config{
		HeartbeatTimeout: 30 * time.Second,
		PurgeAfter:       5 * time.Minute,
		MinHealth:        0.2,
	}, zap.NewNop())
	r.now = func() time.Time { return now }
	return r, &now
}

func register(t *testing.T, r *Registry, id, agentType string, caps ...string) {
	t.Helper()
	_, err := r.Register(context.Background(), &model.Agent{
		ID:             id,
		Type:           agentType,
		Capabilities:   caps,
		MaxConcurrency: 2,
		CostPerHour:    1,
	})
	require.NoError(t, err)
}

func ids(agents []*model.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func TestRegistry_RegisterAndIndexes(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, r, "a1", "coder", "code", "review")
	register(t, r, "a2", "coder", "code")
	register(t, r, "a3", "tester", "test", "review")

	a, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusAvailable, a.Status)
	assert.Equal(t, uint64(1), a.RegistrationSeq)

	candidates, err := r.Candidates(ctx, []string{"code", "review"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(candidates))

	candidates, err = r.Candidates(ctx, []string{"review"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a3"}, ids(candidates))

	coders, err := r.ListByType(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(coders))

	types, err := r.Types(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "tester"}, types)

	// Re-registering with fewer capabilities drops the stale index entry
	register(t, r, "a1", "coder", "code")
	candidates, err = r.Candidates(ctx, []string{"review"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, ids(candidates))
	a, err = r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.RegistrationSeq, "re-registration keeps the original order")

	require.NoError(t, r.Deregister(ctx, "a3"))
	_, err = r.Get(ctx, "a3")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	candidates, err = r.Candidates(ctx, []string{"review"})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), &model.Agent{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidAgent)
}

func TestRegistry_Slots(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "a1", "coder", "code")

	a, err := r.ReserveSlot(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusAvailable, a.Status)

	a, err = r.ReserveSlot(ctx, "a1", "t2")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusBusy, a.Status)

	_, err = r.ReserveSlot(ctx, "a1", "t3")
	assert.ErrorIs(t, err, ErrNoCapacity)

	// Reserving a held task again is a no-op
	_, err = r.ReserveSlot(ctx, "a1", "t2")
	require.NoError(t, err)

	require.NoError(t, r.ReleaseSlot(ctx, "a1", "t1"))
	a, err = r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, a.ActiveTasks)
	assert.Equal(t, model.AgentStatusAvailable, a.Status)

	require.NoError(t, r.ReleaseSlot(ctx, "missing", "t1"))
}

func TestRegistry_ConcurrentReservationsRespectCapacity(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "a1", "coder", "code")

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.ReserveSlot(ctx, "a1", string(rune('a'+i))); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, granted)
	a, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, a.ActiveTasks, 2)
}

func TestRegistry_StatusMachine(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "a1", "coder", "code")

	_, err := r.SetStatus(ctx, "a1", model.AgentStatusDraining)
	require.NoError(t, err)

	_, err = r.SetStatus(ctx, "a1", model.AgentStatusAvailable)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = r.ReserveSlot(ctx, "a1", "t1")
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	candidates, err := r.Candidates(ctx, []string{"code"})
	require.NoError(t, err)
	assert.Empty(t, candidates, "draining agents take no new work")
}

func TestRegistry_HeartbeatRevives(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "a1", "coder", "code")

	_, err := r.ReserveSlot(ctx, "a1", "t1")
	require.NoError(t, err)

	orphaned, err := r.MarkOffline(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, orphaned)

	a, err := r.Heartbeat(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusAvailable, a.Status)
	assert.Empty(t, a.ActiveTasks)
}

func TestRegistry_UpdateStatusAndHealthFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.cfg.MinHealth = 0.5
	register(t, r, "a1", "coder", "code")
	register(t, r, "a2", "coder", "code")

	_, err := r.UpdateStatus(ctx, "a1", model.AgentStats{Load: 1, CPUUsage: 100, MemoryUsage: 100, Queued: 50})
	require.NoError(t, err)

	candidates, err := r.Candidates(ctx, []string{"code"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(candidates), "a saturated agent falls below the health floor")
}

func TestRegistry_LeastLoadPicksIdlest(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for id, load := range map[string]float64{"busy": 0.9, "idle": 0.1, "mid": 0.5} {
		register(t, r, id, "coder", "code")
		_, err := r.UpdateStatus(ctx, id, model.AgentStats{Load: load})
		require.NoError(t, err)
	}

	picked, err := r.Discover(ctx, []string{"code"}, LeastLoadSelector{}, 1)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, "idle", picked[0].ID)
}

func TestRegistry_RecordOutcome(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "a1", "coder", "code")

	require.NoError(t, r.RecordOutcome(ctx, "a1", true, 10*time.Second))
	require.NoError(t, r.RecordOutcome(ctx, "a1", false, 0))

	a, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, a.PerformanceScore, 1e-9)
	assert.InDelta(t, 0.1, a.ErrorRate, 1e-9)
	assert.Equal(t, 10*time.Second, a.AvgDuration)
	assert.Equal(t, int64(1), a.CompletedCount)
}

func TestRegistry_BreakerMirror(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	state, err := r.BreakerState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "", state)

	require.NoError(t, r.MirrorBreaker(ctx, "a1", "open"))
	state, err = r.BreakerState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "open", state)

	open, err := r.BreakerOpen(ctx, "a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, open)

	*clock = clock.Add(2 * time.Minute)
	open, err = r.BreakerOpen(ctx, "a1", time.Minute)
	require.NoError(t, err)
	assert.False(t, open, "stale open mirror should let a probe through")
}

func TestHealthScore(t *testing.T) {
	now := time.Now()
	fresh := &model.Agent{LastHeartbeat: now}
	assert.Equal(t, 1.0, HealthScore(fresh, now, time.Minute))

	loaded := &model.Agent{Load: 1, CPUUsage: 50, MemoryUsage: 50, QueuedTasks: 5, LastHeartbeat: now.Add(-30 * time.Second)}
	// 1 - (0.3 + 0.1 + 0.1 + 0.05 + 0.1)
	assert.InDelta(t, 0.35, HealthScore(loaded, now, time.Minute), 1e-9)

	dead := &model.Agent{Load: 5, CPUUsage: 500, MemoryUsage: 500, QueuedTasks: 500, LastHeartbeat: now.Add(-time.Hour)}
	assert.Equal(t, 0.0, HealthScore(dead, now, time.Minute))
}
