package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

type fakeInvoker struct {
	mu         sync.Mutex
	executed   []string
	checkpoint []byte
	handler    func(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error)
}

func (f *fakeInvoker) Execute(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, req.TaskID)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(ctx, agent, req)
	}
	return &model.TaskResult{
		TaskID:  req.TaskID,
		AgentID: agent.ID,
		Result:  json.RawMessage(`{"ok":true}`),
	}, nil
}

func (f *fakeInvoker) GetCheckpoint(ctx context.Context, agent *model.Agent, taskID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint, nil
}

func (f *fakeInvoker) setHandler(h func(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeInvoker) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) PublishEvent(ctx context.Context, event model.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Kinds(kind model.EventKind) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Event
	for _, e := range n.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	ledger     *storage.Ledger
	queue      *queue.Memory
	store      *kvstore.MemoryStore
	registry   *registry.Registry
	breakers   *flow.BreakerSet
	gate       *flow.Gate
	service    *Service
	dispatcher *Dispatcher
	invoker    *fakeInvoker
	events     *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithCapacity(t, 16)
}

func newHarnessWithCapacity(t *testing.T, capacity int) *harness {
	t.Helper()
	logger := zap.NewNop()

	ledger, err := storage.NewLedger(logger, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	h := &harness{
		ledger:  ledger,
		queue:   queue.NewMemory(capacity),
		store:   kvstore.NewMemoryStore(0),
		invoker: &fakeInvoker{},
		events:  &recordingNotifier{},
	}

	enqueuer := NewEnqueuer(h.queue, ledger, EnqueuerConfig{
		AdmitTimeout: 50 * time.Millisecond,
		AdmitPoll:    5 * time.Millisecond,
	}, logger)
	h.service = NewService(ledger, enqueuer, ServiceConfig{DefaultMaxRetries: 2}, logger, WithNotifier(h.events))

	h.registry = registry.NewRegistry(h.store, nil, registry.Config{
		HeartbeatTimeout: time.Minute,
		MinHealth:        0.1,
	}, logger)
	h.breakers = flow.NewBreakerSet(flow.BreakerConfig{FailureThreshold: 10, Cooldown: time.Minute}, nil, logger)
	h.gate = flow.NewGate(flow.GateConfig{}, logger, flow.WithBreakers(h.breakers))
	h.dispatcher = h.newDispatcher("d1", nil)
	return h
}

// newDispatcher builds another dispatcher over the same ledger, queue,
// registry and lock store
func (h *harness) newDispatcher(id string, tune func(*DispatcherConfig)) *Dispatcher {
	cfg := DispatcherConfig{
		ID:             id,
		Workers:        1,
		CheckpointPoll: time.Hour,
		NoAgentTimeout: time.Minute,
	}
	if tune != nil {
		tune(&cfg)
	}
	return NewDispatcher(cfg, h.service, h.registry, h.store, h.gate, &LeastBusyStrategy{}, h.invoker, zap.NewNop())
}

func (h *harness) addAgent(t *testing.T, id, capability string, maxConcurrency int) {
	t.Helper()
	_, err := h.registry.Register(context.Background(), &model.Agent{
		ID:             id,
		Type:           "worker",
		Capabilities:   []string{capability},
		MaxConcurrency: maxConcurrency,
		Endpoint:       "agent." + id,
	})
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, task *model.Task) *model.Task {
	t.Helper()
	submitted, created, err := h.service.Submit(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)
	return submitted
}

func (h *harness) status(t *testing.T, id string) model.TaskStatus {
	t.Helper()
	task, err := h.ledger.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// drain dispatches until the queue is empty
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		busy, err := h.dispatcher.DispatchOnce(context.Background())
		require.NoError(t, err)
		if !busy {
			return
		}
	}
	t.Fatal("queue did not drain")
}
