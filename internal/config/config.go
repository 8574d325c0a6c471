// Package config loads the orchestrator and agent settings from a YAML file
// and ORCH_ environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/autoscaler"
	"github.com/t77yq/fleet-orchestrator/internal/coordinator"
	"github.com/t77yq/fleet-orchestrator/internal/executor"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/handler"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/service"
)

// EnvPrefix prefixes every environment override, e.g. ORCH_NATS_URL
const EnvPrefix = "ORCH"

// ErrInvalidConfig is returned when loaded settings fail validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every setting of the serve and agent commands
type Config struct {
	Log        LogConfig                   `mapstructure:"log"`
	NATS       NATSConfig                  `mapstructure:"nats"`
	Auth       AuthConfig                  `mapstructure:"auth"`
	Storage    StorageConfig               `mapstructure:"storage"`
	Registry   registry.Config             `mapstructure:"registry"`
	Queue      queue.JetStreamConfig       `mapstructure:"queue"`
	Scheduler  SchedulerConfig             `mapstructure:"scheduler"`
	Dispatcher scheduler.DispatcherConfig  `mapstructure:"dispatcher"`
	Flow       FlowConfig                  `mapstructure:"flow"`
	Executor   executor.ClientConfig       `mapstructure:"executor"`
	Consensus  coordinator.ConsensusConfig `mapstructure:"consensus"`
	Autoscaler AutoscalerConfig            `mapstructure:"autoscaler"`
	Events     service.EventConfig         `mapstructure:"events"`
	Alerts     monitor.AlertConfig         `mapstructure:"alerts"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
	Tracing    TracingConfig               `mapstructure:"tracing"`
	Agent      AgentConfig                 `mapstructure:"agent"`
}

// LogConfig selects the zap preset
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// NATSConfig holds the bus connection settings
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	// Embedded runs a JetStream server in process and ignores URL
	Embedded bool   `mapstructure:"embedded"`
	StoreDir string `mapstructure:"store_dir"`
	Port     int    `mapstructure:"port"`
}

// AuthConfig holds the token signing settings
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
	// BootstrapToken is what an agent presents to register
	BootstrapToken string `mapstructure:"bootstrap_token"`
}

// StorageConfig holds the ledger and shared state settings
type StorageConfig struct {
	LedgerPath string        `mapstructure:"ledger_path"`
	Bucket     string        `mapstructure:"bucket"`
	BucketTTL  time.Duration `mapstructure:"bucket_ttl"`
	LockBucket string        `mapstructure:"lock_bucket"`
	// LockBucketTTL drops lock entries nobody touched for this long
	LockBucketTTL   time.Duration `mapstructure:"lock_bucket_ttl"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// SchedulerConfig holds submission and background loop settings
type SchedulerConfig struct {
	scheduler.ServiceConfig  `mapstructure:",squash"`
	scheduler.EnqueuerConfig `mapstructure:",squash"`
	RetryInterval            time.Duration `mapstructure:"retry_interval"`
	CriticalPathInterval     time.Duration `mapstructure:"critical_path_interval"`
}

// FlowConfig holds the admission limits of the registry API and dispatch.
// RateLimit is per calling agent on the API; DispatchRateLimit is per
// dispatcher on the way out.
type FlowConfig struct {
	RateLimit         flow.RateLimiterConfig `mapstructure:"rate_limit"`
	DispatchRateLimit flow.RateLimiterConfig `mapstructure:"dispatch_rate_limit"`
	Coalesce          flow.CoalesceConfig    `mapstructure:"coalesce"`
	Breaker           flow.BreakerConfig     `mapstructure:"breaker"`
	Concurrency       flow.ConcurrencyConfig `mapstructure:"concurrency"`
	ConcurrencyLimit  bool                   `mapstructure:"concurrency_limit"`
}

// AutoscalerConfig adds the container settings to the pool thresholds
type AutoscalerConfig struct {
	autoscaler.Config `mapstructure:",squash"`
	// Provisioner is "docker" or "none" for a dry run
	Provisioner string                  `mapstructure:"provisioner"`
	Docker      autoscaler.DockerConfig `mapstructure:"docker"`
}

// MetricsConfig holds the prometheus endpoint and host sampling interval
type MetricsConfig struct {
	Listen   string        `mapstructure:"listen"`
	Interval time.Duration `mapstructure:"interval"`
}

// TracingConfig controls the trace provider
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Endpoint is an OTLP/HTTP collector; spans are dropped when empty
	Endpoint string `mapstructure:"endpoint"`
}

// AgentConfig holds the settings of the agent command
type AgentConfig struct {
	executor.AgentConfig `mapstructure:",squash"`
	Resources            executor.ResourceLimits `mapstructure:"resources"`
	ResourceInterval     time.Duration           `mapstructure:"resource_interval"`
	Logs                 executor.LogConfig      `mapstructure:"logs"`
	Handlers             handler.Config          `mapstructure:"handlers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.development", false)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "orchestrator")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.store_dir", "./data/jetstream")
	v.SetDefault("nats.port", 4222)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "fleet-orchestrator")
	v.SetDefault("auth.bootstrap_token", "")

	v.SetDefault("storage.ledger_path", "./data/ledger.db")
	v.SetDefault("storage.bucket", "ORCHESTRATOR")
	v.SetDefault("storage.bucket_ttl", time.Duration(0))
	v.SetDefault("storage.lock_bucket", "ORCHESTRATOR_LOCKS")
	v.SetDefault("storage.lock_bucket_ttl", time.Hour)
	v.SetDefault("storage.retention", 7*24*time.Hour)
	v.SetDefault("storage.cleanup_schedule", "0 0 3 * * *")

	v.SetDefault("registry.heartbeat_timeout", 30*time.Second)
	v.SetDefault("registry.purge_after", 10*time.Minute)
	v.SetDefault("registry.min_health", 0.3)
	v.SetDefault("registry.token_ttl", 24*time.Hour)
	v.SetDefault("registry.sweep_interval", 10*time.Second)

	v.SetDefault("queue.stream", "TASKQ")
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.poll_wait", 100*time.Millisecond)

	v.SetDefault("scheduler.default_max_retries", 3)
	v.SetDefault("scheduler.admit_timeout", 5*time.Second)
	v.SetDefault("scheduler.admit_poll", 50*time.Millisecond)
	v.SetDefault("scheduler.retry_interval", time.Second)
	v.SetDefault("scheduler.critical_path_interval", 30*time.Second)

	v.SetDefault("dispatcher.id", "")
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.strategy", "least_busy")
	v.SetDefault("dispatcher.base_duration", time.Minute)
	v.SetDefault("dispatcher.max_invocation", 30*time.Minute)
	v.SetDefault("dispatcher.no_agent_timeout", 10*time.Minute)
	v.SetDefault("dispatcher.checkpoint_poll", 30*time.Second)
	v.SetDefault("dispatcher.idle_wait", 100*time.Millisecond)
	v.SetDefault("dispatcher.depth_interval", 5*time.Second)
	v.SetDefault("dispatcher.breaker_cooldown", 30*time.Second)
	v.SetDefault("dispatcher.lock_lease", 2*time.Minute)
	v.SetDefault("dispatcher.reconcile_interval", time.Minute)
	v.SetDefault("dispatcher.retry.initial", time.Second)
	v.SetDefault("dispatcher.retry.max", time.Minute)
	v.SetDefault("dispatcher.retry.multiplier", 2.0)

	concurrency := flow.DefaultConcurrencyConfig()
	v.SetDefault("flow.rate_limit.capacity", 50)
	v.SetDefault("flow.rate_limit.refill_rate", 10.0)
	v.SetDefault("flow.rate_limit.max_callers", 4096)
	v.SetDefault("flow.rate_limit.idle_ttl", 10*time.Minute)
	v.SetDefault("flow.dispatch_rate_limit.capacity", 200)
	v.SetDefault("flow.dispatch_rate_limit.refill_rate", 100.0)
	v.SetDefault("flow.dispatch_rate_limit.max_callers", 64)
	v.SetDefault("flow.dispatch_rate_limit.idle_ttl", 10*time.Minute)
	v.SetDefault("flow.coalesce.enabled", true)
	v.SetDefault("flow.coalesce.size", 1024)
	v.SetDefault("flow.coalesce.window", time.Second)
	v.SetDefault("flow.breaker.failure_threshold", 5)
	v.SetDefault("flow.breaker.cooldown", 30*time.Second)
	v.SetDefault("flow.concurrency_limit", true)
	v.SetDefault("flow.concurrency.initial_limit", concurrency.InitialLimit)
	v.SetDefault("flow.concurrency.min_limit", concurrency.MinLimit)
	v.SetDefault("flow.concurrency.max_limit", concurrency.MaxLimit)
	v.SetDefault("flow.concurrency.smoothing", concurrency.Smoothing)
	v.SetDefault("flow.concurrency.rtt_alpha", concurrency.RTTAlpha)
	v.SetDefault("flow.concurrency.low_latency_tolerance", concurrency.LowLatencyTolerance)
	v.SetDefault("flow.concurrency.min_gradient", concurrency.MinGradient)
	v.SetDefault("flow.concurrency.max_gradient", concurrency.MaxGradient)
	v.SetDefault("flow.concurrency.gradient_step", concurrency.GradientStep)
	v.SetDefault("flow.concurrency.gradient_backoff", concurrency.GradientBackoff)

	v.SetDefault("executor.identity", "orchestrator")
	v.SetDefault("executor.token_ttl", time.Minute)
	v.SetDefault("executor.timeout", 30*time.Second)
	v.SetDefault("executor.coalesce.enabled", true)
	v.SetDefault("executor.coalesce.size", 1024)
	v.SetDefault("executor.coalesce.window", 500*time.Millisecond)

	v.SetDefault("consensus.verifiers", 3)
	v.SetDefault("consensus.ratio", coordinator.DefaultConsensusRatio)
	v.SetDefault("consensus.timeout", 30*time.Second)

	pool := autoscaler.DefaultPool()
	v.SetDefault("autoscaler.enabled", false)
	v.SetDefault("autoscaler.interval", 30*time.Second)
	v.SetDefault("autoscaler.provisioner", "none")
	v.SetDefault("autoscaler.cost_ceiling", 0.0)
	v.SetDefault("autoscaler.defaults.min_size", pool.MinSize)
	v.SetDefault("autoscaler.defaults.max_size", pool.MaxSize)
	v.SetDefault("autoscaler.defaults.high_utilization", pool.HighUtilization)
	v.SetDefault("autoscaler.defaults.low_utilization", pool.LowUtilization)
	v.SetDefault("autoscaler.defaults.target_pending_per_agent", pool.TargetPendingPerAgent)
	v.SetDefault("autoscaler.defaults.max_scale_up_per_cycle", pool.MaxScaleUpPerCycle)
	v.SetDefault("autoscaler.defaults.max_scale_down_per_cycle", pool.MaxScaleDownPerCycle)
	v.SetDefault("autoscaler.defaults.cost_ceiling", pool.CostCeiling)
	v.SetDefault("autoscaler.defaults.agent_cost_per_hour", pool.AgentCostPerHour)
	v.SetDefault("autoscaler.defaults.cooldown", pool.Cooldown)
	v.SetDefault("autoscaler.defaults.drain_grace", pool.DrainGrace)
	v.SetDefault("autoscaler.docker.image", "fleet-orchestrator:latest")
	v.SetDefault("autoscaler.docker.command", []string{"agent"})
	v.SetDefault("autoscaler.docker.network", "")
	v.SetDefault("autoscaler.docker.nats_url", "nats://nats:4222")
	v.SetDefault("autoscaler.docker.max_concurrency", 4)
	v.SetDefault("autoscaler.docker.cost_per_hour", 0.0)
	v.SetDefault("autoscaler.docker.token_ttl", 24*time.Hour)
	v.SetDefault("autoscaler.docker.stop_timeout", 30*time.Second)

	v.SetDefault("events.max_age", 24*time.Hour)
	v.SetDefault("alerts.resolve_after", time.Hour)
	v.SetDefault("alerts.evaluate_interval", time.Minute)

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.interval", 15*time.Second)

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("agent.id", "")
	v.SetDefault("agent.type", "general")
	v.SetDefault("agent.capabilities", []string{"shell_command", "http_request"})
	v.SetDefault("agent.endpoint", "")
	v.SetDefault("agent.region", "")
	v.SetDefault("agent.max_concurrency", 4)
	v.SetDefault("agent.cost_per_hour", 0.0)
	v.SetDefault("agent.heartbeat_interval", 10*time.Second)
	v.SetDefault("agent.status_interval", 15*time.Second)
	v.SetDefault("agent.register_timeout", time.Minute)
	v.SetDefault("agent.default_timeout", 10*time.Minute)
	v.SetDefault("agent.resources.max_cpu", 90.0)
	v.SetDefault("agent.resources.max_memory", 90.0)
	v.SetDefault("agent.resource_interval", 5*time.Second)
	v.SetDefault("agent.logs.dir", "./data/task-logs")
	v.SetDefault("agent.logs.max_file_size", int64(10<<20))
	v.SetDefault("agent.logs.max_age", 7*24*time.Hour)
	v.SetDefault("agent.logs.flush_interval", time.Second)
	v.SetDefault("agent.handlers.shell_allowed", []string{})
	v.SetDefault("agent.handlers.file_base_dir", "")
	v.SetDefault("agent.handlers.http_timeout", 30*time.Second)
	v.SetDefault("agent.handlers.verify", false)
}

// Validate checks settings no component can repair with a default
func (c *Config) Validate() error {
	var errs []error
	if c.Consensus.Ratio < 0 || c.Consensus.Ratio > 1 {
		errs = append(errs, fmt.Errorf("consensus.ratio %.2f outside [0,1]", c.Consensus.Ratio))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive"))
	}
	if c.Dispatcher.Workers <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.workers must be positive"))
	}
	if c.Dispatcher.LockLease <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.lock_lease must be positive"))
	}
	if c.Storage.LockBucketTTL > 0 && c.Storage.LockBucketTTL < c.Dispatcher.LockLease {
		errs = append(errs, fmt.Errorf("storage.lock_bucket_ttl %s shorter than dispatcher.lock_lease %s",
			c.Storage.LockBucketTTL, c.Dispatcher.LockLease))
	}
	if c.Registry.MinHealth < 0 || c.Registry.MinHealth > 1 {
		errs = append(errs, fmt.Errorf("registry.min_health %.2f outside [0,1]", c.Registry.MinHealth))
	}
	if c.Autoscaler.CostCeiling < 0 {
		errs = append(errs, fmt.Errorf("autoscaler.cost_ceiling must not be negative"))
	}
	if err := c.Autoscaler.Pool("").Validate(); err != nil {
		errs = append(errs, fmt.Errorf("autoscaler.defaults: %w", err))
	}
	for name := range c.Autoscaler.Pools {
		if err := c.Autoscaler.Pool(name).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("autoscaler.pools.%s: %w", name, err))
		}
	}
	switch c.Autoscaler.Provisioner {
	case "none", "docker":
	default:
		errs = append(errs, fmt.Errorf("autoscaler.provisioner %q is not none or docker", c.Autoscaler.Provisioner))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Loader reads the configuration and reloads it when the file changes
type Loader struct {
	logger *zap.Logger
	v      *viper.Viper

	mu      sync.RWMutex
	current *Config
}

// NewLoader creates a loader. An empty path searches ./config and the
// working directory for config.yaml; a missing file is not an error.
func NewLoader(path string, logger *zap.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{logger: logger.Named("config"), v: v}
}

// Load reads the file and environment and validates the result
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		l.logger.Info("No config file found, using defaults and environment")
	} else {
		l.logger.Info("Loaded config", zap.String("file", l.v.ConfigFileUsed()))
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Current returns the last successfully loaded configuration
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch calls onChange with every valid configuration written to the file.
// An invalid edit is logged and the previous configuration stays current.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		l.logger.Info("No config file to watch")
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("Ignoring invalid config change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		l.logger.Info("Config reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}
