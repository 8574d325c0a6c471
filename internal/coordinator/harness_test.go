package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

// fakeCaller answers verification requests with a verdict per agent
type fakeCaller struct {
	mu       sync.Mutex
	verdicts map[string]model.Verdict
	failing  map[string]error
	asked    []string
	payloads []model.VerificationTask
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		verdicts: make(map[string]model.Verdict),
		failing:  make(map[string]error),
	}
}

func (f *fakeCaller) Execute(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, agent.ID)

	var vt model.VerificationTask
	if err := json.Unmarshal(req.Payload, &vt); err != nil {
		return nil, err
	}
	f.payloads = append(f.payloads, vt)

	if err, ok := f.failing[agent.ID]; ok {
		return nil, err
	}
	data, err := json.Marshal(f.verdicts[agent.ID])
	if err != nil {
		return nil, err
	}
	return &model.TaskResult{TaskID: req.TaskID, AgentID: agent.ID, Result: data}, nil
}

func (f *fakeCaller) approve(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.verdicts[id] = model.Verdict{Approved: true, Reason: "looks right"}
	}
}

func (f *fakeCaller) reject(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.verdicts[id] = model.Verdict{Approved: false, Reason: "wrong answer"}
	}
}

func (f *fakeCaller) fail(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = errors.New("connection refused")
}

func (f *fakeCaller) Asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.asked...)
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

func (n *recordingNotifier) Events() []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Event(nil), n.events...)
}

type harness struct {
	ledger      *storage.Ledger
	queue       *queue.Memory
	registry    *registry.Registry
	service     *scheduler.Service
	caller      *fakeCaller
	consensus   *Consensus
	coordinator *Coordinator
	events      *recordingNotifier
	reclaimed   map[string][]string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zap.NewNop()

	ledger, err := storage.NewLedger(logger, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	h := &harness{
		ledger:    ledger,
		queue:     queue.NewMemory(16),
		caller:    newFakeCaller(),
		events:    &recordingNotifier{},
		reclaimed: make(map[string][]string),
	}
	enqueuer := scheduler.NewEnqueuer(h.queue, ledger, scheduler.EnqueuerConfig{
		AdmitTimeout: 50 * time.Millisecond,
		AdmitPoll:    5 * time.Millisecond,
	}, logger)
	h.service = scheduler.NewService(ledger, enqueuer, scheduler.ServiceConfig{DefaultMaxRetries: 2}, logger)
	h.registry = registry.NewRegistry(kvstore.NewMemoryStore(0), nil, registry.Config{
		HeartbeatTimeout: time.Minute,
		MinHealth:        0.1,
	}, logger)
	h.consensus = NewConsensus(h.registry, h.caller, ledger, ConsensusConfig{Verifiers: 3, Timeout: time.Second}, logger)

	opts = append([]Option{
		WithNotifier(h.events),
		WithReclaimer(func(ctx context.Context, agentID string, taskIDs []string) {
			h.reclaimed[agentID] = append(h.reclaimed[agentID], taskIDs...)
		}),
	}, opts...)
	h.coordinator = New(h.service, ledger, h.registry, h.queue, h.consensus, logger, opts...)
	return h
}

func (h *harness) addAgent(t *testing.T, id string, capabilities ...string) {
	t.Helper()
	_, err := h.registry.Register(context.Background(), &model.Agent{
		ID:             id,
		Type:           "worker",
		Capabilities:   capabilities,
		MaxConcurrency: 2,
		Endpoint:       "agent." + id,
	})
	require.NoError(t, err)
}

func (h *harness) addVerifiers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		h.addAgent(t, id, VerifyCapability)
	}
}

func (h *harness) submit(t *testing.T, taskType string) *model.Task {
	t.Helper()
	task, created, err := h.coordinator.SubmitTask(context.Background(), &model.Task{
		Type:     taskType,
		Payload:  json.RawMessage(`{"n":1}`),
		Priority: model.TaskPriorityNormal,
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

// complete moves a task to completed with the given result and producer
func (h *harness) complete(t *testing.T, id, agentID string, result json.RawMessage) *model.Task {
	t.Helper()
	task, err := h.ledger.UpdateTask(context.Background(), id, nil, func(task *model.Task) error {
		now := time.Now()
		task.Status = model.TaskStatusCompleted
		task.AssignedAgent = agentID
		task.Result = result
		task.CompletedAt = &now
		return nil
	})
	require.NoError(t, err)
	return task
}
