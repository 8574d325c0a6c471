package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/testutil"
)

const testSecret = "secret"

type agentEnv struct {
	env    *testutil.NATSEnv
	agent  *Agent
	client *Client
	target *model.Agent
}

func startAgent(t *testing.T, cfg AgentConfig, opts ...AgentOption) *agentEnv {
	t.Helper()

	env := testutil.StartJetStream(t)
	issuer, err := auth.NewIssuer(testSecret, "orchestrator")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(testSecret, "orchestrator")
	require.NoError(t, err)

	if cfg.ID == "" {
		cfg.ID = "agent-1"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "agent." + cfg.ID
	}
	opts = append([]AgentOption{WithVerifier(verifier)}, opts...)
	agent, err := NewAgent(env.Connect(t), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)

	return &agentEnv{
		env:    env,
		agent:  agent,
		client: NewClient(env.Conn, issuer, ClientConfig{Identity: "d1", Timeout: 2 * time.Second}),
		target: &model.Agent{ID: cfg.ID, Endpoint: cfg.Endpoint},
	}
}

func (e *agentEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.agent.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.agent.Stop(ctx)
	})
}

func executeRequest(taskID, taskType string) *model.ExecuteRequest {
	return &model.ExecuteRequest{
		TaskID:   taskID,
		Type:     taskType,
		Attempt:  1,
		TraceID:  "trace-" + taskID,
		Deadline: time.Now().Add(5 * time.Second),
	}
}

func TestAgent_Execute(t *testing.T) {
	e := startAgent(t, AgentConfig{MaxConcurrency: 2})
	e.agent.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return exec.Request.Payload, nil
	}))
	e.agent.RegisterHandler("broken", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return nil, errors.New("disk on fire")
	}))
	e.agent.RegisterHandler("panics", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		panic("boom")
	}))
	e.start(t)
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		req := executeRequest("t1", "echo")
		req.Payload = json.RawMessage(`{"n":1}`)
		result, err := e.client.Execute(ctx, e.target, req)
		require.NoError(t, err)
		assert.Equal(t, "t1", result.TaskID)
		assert.Equal(t, "agent-1", result.AgentID)
		assert.Empty(t, result.Error)
		assert.JSONEq(t, `{"n":1}`, string(result.Result))
	})

	t.Run("handler error is a task error", func(t *testing.T) {
		result, err := e.client.Execute(ctx, e.target, executeRequest("t2", "broken"))
		require.NoError(t, err)
		assert.Equal(t, "disk on fire", result.Error)
	})

	t.Run("panic is a task error", func(t *testing.T) {
		result, err := e.client.Execute(ctx, e.target, executeRequest("t3", "panics"))
		require.NoError(t, err)
		assert.Contains(t, result.Error, "handler panic: boom")
	})

	t.Run("unknown type", func(t *testing.T) {
		result, err := e.client.Execute(ctx, e.target, executeRequest("t4", "mystery"))
		require.NoError(t, err)
		assert.Contains(t, result.Error, ErrUnknownTaskType.Error())
	})

	t.Run("missing task id", func(t *testing.T) {
		_, err := e.client.Execute(ctx, e.target, &model.ExecuteRequest{Type: "echo"})
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, codeInvalid, remote.Code)
	})
}

func TestAgent_RejectsBadTokens(t *testing.T) {
	e := startAgent(t, AgentConfig{})
	e.agent.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return nil, nil
	}))
	e.start(t)

	t.Run("no token", func(t *testing.T) {
		anonymous := NewClient(e.env.Conn, nil, ClientConfig{Timeout: 2 * time.Second})
		_, err := anonymous.Execute(context.Background(), e.target, executeRequest("t1", "echo"))
		require.ErrorIs(t, err, flow.ErrRejected)
		assert.Equal(t, flow.ReasonUnauthorized, flow.RejectionReason(err))
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		forger, err := auth.NewIssuer("not-the-secret", "orchestrator")
		require.NoError(t, err)
		client := NewClient(e.env.Conn, forger, ClientConfig{Timeout: 2 * time.Second})
		_, err = client.CheckHealth(context.Background(), e.target)
		assert.Equal(t, flow.ReasonUnauthorized, flow.RejectionReason(err))
	})
}

func TestAgent_CapacityAndCheckpoints(t *testing.T) {
	e := startAgent(t, AgentConfig{MaxConcurrency: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	e.agent.RegisterHandler("slow", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		exec.SaveCheckpoint([]byte("step-1"))
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`"done"`), nil
	}))
	e.start(t)
	ctx := context.Background()

	type outcome struct {
		result *model.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.client.Execute(ctx, e.target, executeRequest("t1", "slow"))
		done <- outcome{result, err}
	}()
	<-started

	checkpoint, err := e.client.GetCheckpoint(ctx, e.target, "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("step-1"), checkpoint)

	health, err := e.client.CheckHealth(ctx, e.target)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, model.AgentStatusBusy, health.Status)
	assert.Equal(t, 1, health.Active)
	assert.Equal(t, 1.0, e.agent.Stats().Load)

	_, err = e.client.Execute(ctx, e.target, executeRequest("t2", "slow"))
	assert.ErrorIs(t, err, ErrAgentBusy)

	close(release)
	got := <-done
	require.NoError(t, got.err)
	assert.JSONEq(t, `"done"`, string(got.result.Result))

	_, err = e.client.GetCheckpoint(ctx, e.target, "t1")
	assert.ErrorIs(t, err, ErrTaskNotRunning)

	health, err = e.client.CheckHealth(ctx, e.target)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusAvailable, health.Status)
	assert.Equal(t, 0, health.Active)
}

func TestAgent_ResumesFromCheckpoint(t *testing.T) {
	e := startAgent(t, AgentConfig{})
	e.agent.RegisterHandler("resume", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return json.Marshal(string(exec.Checkpoint()))
	}))
	e.start(t)

	req := executeRequest("t1", "resume")
	req.Attempt = 2
	req.Checkpoint = []byte("step-3")
	result, err := e.client.Execute(context.Background(), e.target, req)
	require.NoError(t, err)
	assert.JSONEq(t, `"step-3"`, string(result.Result))
}

func TestAgent_DeadlineCancelsHandler(t *testing.T) {
	e := startAgent(t, AgentConfig{})
	e.agent.RegisterHandler("hang", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	e.start(t)

	req := executeRequest("t1", "hang")
	req.Deadline = time.Now().Add(50 * time.Millisecond)
	result, err := e.client.Execute(context.Background(), e.target, req)
	require.NoError(t, err)
	assert.Contains(t, result.Error, context.DeadlineExceeded.Error())
}

func TestAgent_TaskLogs(t *testing.T) {
	logs, err := NewTaskLog(LogConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	e := startAgent(t, AgentConfig{}, WithTaskLog(logs))
	e.agent.RegisterHandler("chatty", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		exec.Logf("processed %d rows", 42)
		return nil, nil
	}))
	e.start(t)
	ctx := context.Background()

	_, err = e.client.Execute(ctx, e.target, executeRequest("t1", "chatty"))
	require.NoError(t, err)

	entries, err := e.client.GetLogs(ctx, e.target, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "attempt 1 started", entries[0].Message)
	assert.Equal(t, "processed 42 rows", entries[1].Message)
	assert.Equal(t, "attempt completed", entries[2].Message)
	assert.Equal(t, 1, entries[1].Attempt)

	_, err = e.client.GetLogs(ctx, e.target, "unknown", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestAgent_RegistersAndDeregisters(t *testing.T) {
	env := testutil.StartJetStream(t)
	ctx := context.Background()

	issuer, err := auth.NewIssuer(testSecret, "orchestrator")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(testSecret, "orchestrator")
	require.NoError(t, err)

	reg := registry.NewRegistry(kvstore.NewMemoryStore(0), issuer, registry.Config{HeartbeatTimeout: time.Minute}, zap.NewNop())
	gate := flow.NewGate(flow.GateConfig{Audience: auth.AudienceOrchestrator}, zap.NewNop(), flow.WithVerifier(verifier))
	server := registry.NewServer(env.Conn, reg, gate, zap.NewNop())
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	bootstrap, err := issuer.Issue("agent-7", nil, auth.AudienceOrchestrator, time.Minute)
	require.NoError(t, err)

	monitor := NewResourceMonitor(ResourceLimits{}, time.Hour, zap.NewNop())
	monitor.sample = func(context.Context) (float64, float64, error) { return 12.5, 40, nil }
	require.NoError(t, monitor.Collect(ctx))

	agent, err := NewAgent(env.Connect(t), AgentConfig{
		ID:                "agent-7",
		Type:              "worker",
		Capabilities:      []string{"shell"},
		Endpoint:          "agent.agent-7",
		MaxConcurrency:    4,
		HeartbeatInterval: 20 * time.Millisecond,
	}, zap.NewNop(),
		WithRegistry(registry.NewClient(env.Connect(t), bootstrap, 2*time.Second)),
		WithResourceMonitor(monitor),
	)
	require.NoError(t, err)
	require.NoError(t, agent.Start(ctx))

	registered, err := reg.Get(ctx, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, "agent.agent-7", registered.Endpoint)
	assert.Equal(t, 4, registered.MaxConcurrency)

	require.Eventually(t, func() bool {
		a, err := reg.Get(ctx, "agent-7")
		return err == nil && a.CPUUsage == 12.5 && a.MemoryUsage == 40
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, agent.Stop(stopCtx))

	_, err = reg.Get(ctx, "agent-7")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestAgent_RegistrationGivesUpOnBadToken(t *testing.T) {
	env := testutil.StartJetStream(t)
	ctx := context.Background()

	issuer, err := auth.NewIssuer(testSecret, "orchestrator")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(testSecret, "orchestrator")
	require.NoError(t, err)

	reg := registry.NewRegistry(kvstore.NewMemoryStore(0), issuer, registry.Config{}, zap.NewNop())
	gate := flow.NewGate(flow.GateConfig{Audience: auth.AudienceOrchestrator}, zap.NewNop(), flow.WithVerifier(verifier))
	server := registry.NewServer(env.Conn, reg, gate, zap.NewNop())
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	agent, err := NewAgent(env.Connect(t), AgentConfig{ID: "agent-8", Endpoint: "agent.agent-8"}, zap.NewNop(),
		WithRegistry(registry.NewClient(env.Connect(t), "garbage", time.Second)))
	require.NoError(t, err)

	started := time.Now()
	err = agent.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestAgent_StopRefusesNewWork(t *testing.T) {
	e := startAgent(t, AgentConfig{})
	e.agent.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return nil, nil
	}))
	require.NoError(t, e.agent.Start(context.Background()))

	e.agent.mu.Lock()
	e.agent.draining = true
	e.agent.mu.Unlock()

	_, err := e.client.Execute(context.Background(), e.target, executeRequest("t1", "echo"))
	assert.ErrorIs(t, err, ErrAgentDraining)

	health, err := e.client.CheckHealth(context.Background(), e.target)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusDraining, health.Status)

	require.NoError(t, e.agent.Stop(context.Background()))
}
