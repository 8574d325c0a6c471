package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/testutil"
)

func TestServerClient(t *testing.T) {
	env := testutil.StartJetStream(t)
	ctx := context.Background()

	issuer, err := auth.NewIssuer("secret", "orchestrator")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("secret", "orchestrator")
	require.NoError(t, err)

	reg := NewRegistry(kvstore.NewMemoryStore(0), issuer, Config{HeartbeatTimeout: time.Minute}, zap.NewNop())
	gate := flow.NewGate(flow.GateConfig{Audience: auth.AudienceOrchestrator}, zap.NewNop(),
		flow.WithVerifier(verifier),
		flow.WithRateLimiter(flow.NewRateLimiter(flow.RateLimiterConfig{Capacity: 100, RefillRate: 100})),
	)
	server := NewServer(env.Conn, reg, gate, zap.NewNop())
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	bootstrap, err := issuer.Issue("agent-1", []string{"code"}, auth.AudienceOrchestrator, time.Minute)
	require.NoError(t, err)

	client := NewClient(env.Connect(t), bootstrap, 2*time.Second)

	t.Run("register", func(t *testing.T) {
		token, err := client.Register(ctx, &model.Agent{
			ID:             "agent-1",
			Type:           "coder",
			Capabilities:   []string{"code"},
			MaxConcurrency: 3,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.Equal(t, token, client.Token())

		a, err := reg.Get(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 3, a.MaxConcurrency)
	})

	t.Run("status and heartbeat", func(t *testing.T) {
		a, err := client.UpdateStatus(ctx, "agent-1", model.AgentStats{Load: 0.4, CPUUsage: 20})
		require.NoError(t, err)
		assert.Equal(t, 0.4, a.Load)
		require.NoError(t, client.Heartbeat(ctx, "agent-1"))
	})

	t.Run("discover", func(t *testing.T) {
		agents, err := client.Discover(ctx, []string{"code"}, StrategyLeastLoad, 5)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "agent-1", agents[0].ID)

		_, err = client.Discover(ctx, []string{"code"}, "psychic", 5)
		assert.ErrorIs(t, err, ErrInvalidAgent)
	})

	t.Run("cannot act for another agent", func(t *testing.T) {
		err := client.Heartbeat(ctx, "agent-2")
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("bad token", func(t *testing.T) {
		rogue := NewClient(env.Connect(t), "not-a-token", 2*time.Second)
		err := rogue.Heartbeat(ctx, "agent-1")
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("deregister", func(t *testing.T) {
		require.NoError(t, client.Deregister(ctx, "agent-1"))
		err := client.Heartbeat(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})
}

// slowStore counts reads and delays them so overlapping requests meet
type slowStore struct {
	*kvstore.MemoryStore
	reads int32
	delay atomic.Int64
}

func (s *slowStore) Get(ctx context.Context, key string) (*kvstore.Entry, error) {
	atomic.AddInt32(&s.reads, 1)
	time.Sleep(time.Duration(s.delay.Load()))
	return s.MemoryStore.Get(ctx, key)
}

func (s *slowStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	atomic.AddInt32(&s.reads, 1)
	time.Sleep(time.Duration(s.delay.Load()))
	return s.MemoryStore.Keys(ctx, prefix)
}

func TestServer_CoalescesIdenticalRequests(t *testing.T) {
	env := testutil.StartJetStream(t)
	ctx := context.Background()

	issuer, err := auth.NewIssuer("secret", "orchestrator")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("secret", "orchestrator")
	require.NoError(t, err)

	store := &slowStore{MemoryStore: kvstore.NewMemoryStore(0)}
	reg := NewRegistry(store, issuer, Config{HeartbeatTimeout: time.Minute}, zap.NewNop())
	_, err = reg.Register(ctx, &model.Agent{ID: "agent-1", Type: "coder", Capabilities: []string{"code"}, MaxConcurrency: 1})
	require.NoError(t, err)

	gate := flow.NewGate(flow.GateConfig{Audience: auth.AudienceOrchestrator}, zap.NewNop(), flow.WithVerifier(verifier))
	server := NewServer(env.Conn, reg, gate, zap.NewNop(),
		WithCoalescing(flow.CoalesceConfig{Enabled: true, Window: time.Minute}))
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	token, err := issuer.Issue("agent-1", []string{"code"}, auth.AudienceOrchestrator, time.Minute)
	require.NoError(t, err)
	client := NewClient(env.Connect(t), token, 5*time.Second)

	// one discovery on its own sets the baseline
	store.delay.Store(0)
	atomic.StoreInt32(&store.reads, 0)
	_, err = reg.Discover(ctx, []string{"code"}, LeastLoadSelector{}, 5)
	require.NoError(t, err)
	single := atomic.LoadInt32(&store.reads)
	require.Positive(t, single)

	store.delay.Store(int64(50 * time.Millisecond))
	atomic.StoreInt32(&store.reads, 0)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agents, err := client.Discover(ctx, []string{"code"}, StrategyLeastLoad, 5)
			assert.NoError(t, err)
			assert.Len(t, agents, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, single, atomic.LoadInt32(&store.reads), "two identical discoveries read the store once")

	// repeated inside the window
	_, err = client.Discover(ctx, []string{"code"}, StrategyLeastLoad, 5)
	require.NoError(t, err)
	assert.Equal(t, single, atomic.LoadInt32(&store.reads))

	// a different query is not merged
	_, err = client.Discover(ctx, []string{"code"}, StrategyLeastLoad, 1)
	require.NoError(t, err)
	assert.Equal(t, 2*single, atomic.LoadInt32(&store.reads))
}
