package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())
	_, err := loader.Load()
	require.Error(t, err)

	loader = NewLoader(writeConfig(t, t.TempDir(), "log:\n  development: false\n"), zap.NewNop())
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, 1000, cfg.Queue.Capacity)
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.AdmitTimeout)
	assert.Equal(t, "least_busy", cfg.Dispatcher.Strategy)
	assert.Equal(t, time.Second, cfg.Dispatcher.Retry.Initial)
	assert.Equal(t, 3, cfg.Consensus.Verifiers)
	assert.Equal(t, 10, cfg.Autoscaler.Defaults.MaxSize)
	assert.Equal(t, []string{"agent"}, cfg.Autoscaler.Docker.Command)
	assert.Equal(t, []string{"shell_command", "http_request"}, cfg.Agent.Capabilities)
	assert.Equal(t, 2*time.Minute, cfg.Dispatcher.LockLease)
	assert.Equal(t, "ORCHESTRATOR_LOCKS", cfg.Storage.LockBucket)
	assert.True(t, cfg.Executor.Coalesce.Enabled)
	assert.True(t, cfg.Flow.Coalesce.Enabled)
	assert.Equal(t, 200, cfg.Flow.DispatchRateLimit.Capacity)
	assert.Same(t, cfg, loader.Current())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
nats:
  url: nats://bus:4222
queue:
  capacity: 50
dispatcher:
  workers: 8
  no_agent_timeout: 2m
autoscaler:
  enabled: true
  defaults:
    max_size: 4
  pools:
    gpu:
      max_size: 2
      cost_ceiling: 12.5
agent:
  type: gpu
  handlers:
    shell_allowed: [echo, ls]
`)
	t.Setenv("ORCH_QUEUE_CAPACITY", "75")
	t.Setenv("ORCH_AUTH_SECRET", "s3cret")
	t.Setenv("ORCH_AGENT_ID", "agent-7")
	t.Setenv("ORCH_AGENT_CAPABILITIES", "gpu,verify")

	cfg, err := NewLoader(path, zap.NewNop()).Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, 75, cfg.Queue.Capacity)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Dispatcher.NoAgentTimeout)
	assert.True(t, cfg.Autoscaler.Enabled)
	assert.Equal(t, 4, cfg.Autoscaler.Pool("cpu").MaxSize)
	assert.Equal(t, 2, cfg.Autoscaler.Pool("gpu").MaxSize)
	assert.Equal(t, 12.5, cfg.Autoscaler.Pool("gpu").CostCeiling)
	assert.Equal(t, "agent-7", cfg.Agent.ID)
	assert.Equal(t, "gpu", cfg.Agent.Type)
	assert.Equal(t, []string{"gpu", "verify"}, cfg.Agent.Capabilities)
	assert.Equal(t, []string{"echo", "ls"}, cfg.Agent.Handlers.ShellAllowed)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ratio above one", "consensus:\n  ratio: 1.5\n"},
		{"zero capacity", "queue:\n  capacity: 0\n"},
		{"inverted thresholds", "autoscaler:\n  defaults:\n    high_utilization: 0.2\n    low_utilization: 0.6\n"},
		{"unknown provisioner", "autoscaler:\n  provisioner: k8s\n"},
		{"negative fleet ceiling", "autoscaler:\n  cost_ceiling: -1\n"},
		{"lock bucket outlived by lease", "dispatcher:\n  lock_lease: 5m\nstorage:\n  lock_bucket_ttl: 1m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := NewLoader(path, zap.NewNop()).Load()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWatch_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "autoscaler:\n  defaults:\n    max_size: 4\n")

	loader := NewLoader(path, zap.NewNop())
	_, err := loader.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 16)
	loader.Watch(func(cfg *Config) { changes <- cfg })

	writeConfig(t, dir, "consensus:\n  ratio: 3\n")
	writeConfig(t, dir, "autoscaler:\n  defaults:\n    max_size: 9\n")

	var last *Config
	require.Eventually(t, func() bool {
		for {
			select {
			case cfg := <-changes:
				assert.LessOrEqual(t, cfg.Consensus.Ratio, 1.0)
				last = cfg
			default:
				return last != nil && last.Autoscaler.Defaults.MaxSize == 9
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 9, loader.Current().Autoscaler.Defaults.MaxSize)
}
