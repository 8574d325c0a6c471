package autoscaler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
)

const (
	cooldownPrefix = "autoscale.cooldown"
	drainPrefix    = "autoscale.drain"
)

// Config configures the controller
type Config struct {
	Enabled  bool                  `mapstructure:"enabled"`
	Interval time.Duration         `mapstructure:"interval"`
	Defaults PoolConfig            `mapstructure:"defaults"`
	Pools    map[string]PoolConfig `mapstructure:"pools"`
	// CostCeiling caps the hourly cost of the whole fleet. Zero means no cap.
	CostCeiling float64 `mapstructure:"cost_ceiling"`
}

// Pool returns the merged settings for agentType
func (c Config) Pool(agentType string) PoolConfig {
	defaults := c.Defaults.merge(DefaultPool())
	if p, ok := c.Pools[agentType]; ok {
		return p.merge(defaults)
	}
	return defaults
}

// Fleet is the part of the registry the controller works with
type Fleet interface {
	Types(ctx context.Context) ([]string, error)
	ListByType(ctx context.Context, agentType string) ([]*model.Agent, error)
	Get(ctx context.Context, id string) (*model.Agent, error)
	SetStatus(ctx context.Context, id string, status model.AgentStatus) (*model.Agent, error)
	Deregister(ctx context.Context, id string) error
}

// PendingCounter reports queued work per task type
type PendingCounter interface {
	CountPendingByType(ctx context.Context) (map[string]int, error)
}

// Provisioner launches and removes agent processes
type Provisioner interface {
	Provision(ctx context.Context, agentType string, count int) ([]string, error)
	Terminate(ctx context.Context, agentID string) error
}

// Reassigner hands the running tasks of a removed agent back to the queues
type Reassigner func(ctx context.Context, agentID string, taskIDs []string)

// ActionObserver is told about every action taken
type ActionObserver interface {
	AutoscaleAction(agentType, action string)
}

type drainRecord struct {
	AgentID string    `json:"agent_id"`
	Type    string    `json:"type"`
	Since   time.Time `json:"since"`
}

// Controller periodically resizes agent pools. Cooldowns and drains live
// in the shared store so several orchestrators can run one.
type Controller struct {
	logger      *zap.Logger
	store       kvstore.Store
	fleet       Fleet
	pending     PendingCounter
	provisioner Provisioner
	reassign    Reassigner
	observer    ActionObserver
	now         func() time.Time

	mu  sync.RWMutex
	cfg Config

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Controller
type Option func(*Controller)

// WithObserver reports actions to o
func WithObserver(o ActionObserver) Option {
	return func(c *Controller) { c.observer = o }
}

// NewController creates a controller. A nil provisioner turns it into a dry
// run that only logs decisions.
func NewController(cfg Config, store kvstore.Store, fleet Fleet, pending PendingCounter, provisioner Provisioner, reassign Reassigner, logger *zap.Logger, opts ...Option) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	c := &Controller{
		logger:      logger.Named("autoscaler"),
		store:       store,
		fleet:       fleet,
		pending:     pending,
		provisioner: provisioner,
		reassign:    reassign,
		now:         time.Now,
		cfg:         cfg,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the active configuration
func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig swaps thresholds in place. The interval is fixed at start.
func (c *Controller) UpdateConfig(cfg Config) error {
	for t := range cfg.Pools {
		if err := cfg.Pool(t).Validate(); err != nil {
			return fmt.Errorf("pool %s: %w", t, err)
		}
	}
	if err := cfg.Pool("").Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	cfg.Interval = c.cfg.Interval
	c.cfg = cfg
	c.mu.Unlock()

	c.logger.Info("Autoscaler thresholds updated", zap.Int("pools", len(cfg.Pools)))
	return nil
}

// Start runs the evaluation loop
func (c *Controller) Start(ctx context.Context) {
	go c.loop(ctx)
	c.logger.Info("Autoscaler started",
		zap.Duration("interval", c.Config().Interval),
		zap.Bool("dry_run", c.provisioner == nil))
}

// Stop stops the evaluation loop
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(c.Config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Error("Autoscaler cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce finishes due drains, then evaluates and acts on every pool
func (c *Controller) RunOnce(ctx context.Context) ([]Decision, error) {
	cfg := c.Config()

	if err := c.processDrains(ctx, cfg); err != nil {
		c.logger.Error("Failed to process drains", zap.Error(err))
	}

	pending, err := c.pending.CountPendingByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	types, err := c.fleet.Types(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent types: %w", err)
	}

	seen := make(map[string]bool)
	for _, t := range types {
		seen[t] = true
	}
	for t := range cfg.Pools {
		seen[t] = true
	}
	for t := range pending {
		seen[t] = true
	}
	all := make([]string, 0, len(seen))
	for t := range seen {
		all = append(all, t)
	}
	sort.Strings(all)

	pools := make(map[string][]*model.Agent, len(all))
	fleetCost := 0.0
	for _, t := range all {
		agents, err := c.fleet.ListByType(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s agents: %w", t, err)
		}
		pools[t] = agents
		for _, a := range agents {
			fleetCost += a.CostPerHour
		}
	}

	decisions := make([]Decision, 0, len(all))
	for _, t := range all {
		budget := Budget{Ceiling: cfg.CostCeiling, HourlyCost: fleetCost}
		d, err := c.evaluate(ctx, cfg, t, pools[t], pending[t], budget)
		if err != nil {
			c.logger.Error("Failed to scale pool", zap.String("type", t), zap.Error(err))
			continue
		}
		if d.Action == ActionScaleUp {
			fleetCost += float64(d.Count) * d.UnitCost
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (c *Controller) evaluate(ctx context.Context, cfg Config, agentType string, agents []*model.Agent, pending int, budget Budget) (Decision, error) {
	pool := cfg.Pool(agentType)
	d := Evaluate(agentType, pool, agents, pending, budget)
	if d.Action == ActionNone {
		return d, nil
	}

	logFields := []zap.Field{
		zap.String("type", agentType),
		zap.String("action", string(d.Action)),
		zap.Int("count", d.Count),
		zap.String("reason", d.Reason),
		zap.Int("agents", d.Agents),
		zap.Int("registered", d.Registered),
		zap.Int("pending", d.Pending),
	}
	if c.provisioner == nil {
		c.logger.Info("Scaling decision (dry run)", logFields...)
		return d, nil
	}

	claimed, err := c.claimCooldown(ctx, agentType, pool.Cooldown)
	if err != nil {
		return d, err
	}
	if !claimed {
		d.Reason = "cooldown"
		d.Action = ActionNone
		d.Count = 0
		return d, nil
	}

	c.logger.Info("Scaling pool", logFields...)
	switch d.Action {
	case ActionScaleUp:
		ids, err := c.provisioner.Provision(ctx, agentType, d.Count)
		if len(ids) == 0 && err != nil {
			return d, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
		}
		if err != nil {
			c.logger.Warn("Pool partly provisioned", zap.String("type", agentType), zap.Int("launched", len(ids)), zap.Error(err))
		}
		d.Count = len(ids)
	case ActionScaleDown:
		d.Count = c.startDrains(ctx, agentType, activeAgents(agents), d.Count)
	}
	c.observe(agentType, string(d.Action))
	return d, nil
}

func (c *Controller) observe(agentType, action string) {
	if c.observer != nil {
		c.observer.AutoscaleAction(agentType, action)
	}
}

// claimCooldown takes the per-type cooldown slot if the previous action is
// old enough. Losing a race to another orchestrator counts as not claimed.
func (c *Controller) claimCooldown(ctx context.Context, agentType string, cooldown time.Duration) (bool, error) {
	key := kvstore.Join(cooldownPrefix, agentType)
	now := c.now()
	stamp := []byte(now.UTC().Format(time.RFC3339Nano))

	entry, err := c.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		_, err = c.store.Create(ctx, key, stamp)
		if errors.Is(err, kvstore.ErrExists) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim cooldown: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cooldown: %w", err)
	}

	last, err := time.Parse(time.RFC3339Nano, string(entry.Value))
	if err == nil && now.Sub(last) < cooldown {
		return false, nil
	}
	if _, err := c.store.Update(ctx, key, stamp, entry.Revision); err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim cooldown: %w", err)
	}
	return true, nil
}

// startDrains marks the least busy agents DRAINING and records them
func (c *Controller) startDrains(ctx context.Context, agentType string, agents []*model.Agent, count int) int {
	ordered := append([]*model.Agent(nil), agents...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.ActiveCount() != b.ActiveCount() {
			return a.ActiveCount() < b.ActiveCount()
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.ID < b.ID
	})

	drained := 0
	for _, a := range ordered {
		if drained == count {
			break
		}
		if _, err := c.fleet.SetStatus(ctx, a.ID, model.AgentStatusDraining); err != nil {
			c.logger.Warn("Failed to drain agent", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		record, _ := json.Marshal(drainRecord{AgentID: a.ID, Type: agentType, Since: c.now()})
		if _, err := c.store.Put(ctx, kvstore.Join(drainPrefix, a.ID), record); err != nil {
			c.logger.Error("Failed to record drain", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		c.logger.Info("Draining agent", zap.String("agent_id", a.ID), zap.String("type", agentType))
		drained++
	}
	return drained
}

// processDrains removes drained agents once they are idle or their grace
// period ran out, reassigning whatever they still hold
func (c *Controller) processDrains(ctx context.Context, cfg Config) error {
	keys, err := c.store.Keys(ctx, drainPrefix+".")
	if err != nil {
		return fmt.Errorf("failed to list drains: %w", err)
	}

	for _, key := range keys {
		entry, err := c.store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, kvstore.ErrNotFound) {
				c.logger.Warn("Failed to read drain", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		var record drainRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			c.logger.Warn("Dropping unreadable drain", zap.String("key", key), zap.Error(err))
			c.deleteDrain(ctx, key, entry.Revision)
			continue
		}

		agent, err := c.fleet.Get(ctx, record.AgentID)
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.deleteDrain(ctx, key, entry.Revision)
			continue
		}
		if err != nil {
			c.logger.Warn("Failed to load draining agent", zap.String("agent_id", record.AgentID), zap.Error(err))
			continue
		}

		overdue := c.now().Sub(record.Since) >= cfg.Pool(record.Type).DrainGrace
		if agent.ActiveCount() > 0 && !overdue {
			continue
		}
		// whoever deletes the record owns the removal
		if !c.deleteDrain(ctx, key, entry.Revision) {
			continue
		}
		c.remove(ctx, agent)
	}
	return nil
}

// deleteDrain removes a drain record at revision. A conflict means another
// orchestrator got there first.
func (c *Controller) deleteDrain(ctx context.Context, key string, revision uint64) bool {
	err := c.store.Delete(ctx, key, revision)
	switch {
	case err == nil:
		return true
	case errors.Is(err, kvstore.ErrConflict), errors.Is(err, kvstore.ErrNotFound):
		c.logger.Debug("Drain record already taken", zap.String("key", key))
	default:
		c.logger.Error("Failed to delete drain record", zap.String("key", key), zap.Error(err))
	}
	return false
}

func (c *Controller) remove(ctx context.Context, agent *model.Agent) {
	if n := agent.ActiveCount(); n > 0 {
		c.logger.Warn("Reassigning tasks of drained agent",
			zap.String("agent_id", agent.ID),
			zap.Strings("task_ids", agent.ActiveTasks))
		if c.reassign != nil {
			c.reassign(ctx, agent.ID, append([]string(nil), agent.ActiveTasks...))
		}
	}
	if c.provisioner != nil {
		if err := c.provisioner.Terminate(ctx, agent.ID); err != nil {
			c.logger.Error("Failed to terminate agent", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	if err := c.fleet.Deregister(ctx, agent.ID); err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
		c.logger.Error("Failed to deregister agent", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	c.observe(agent.Type, "terminate")
	c.logger.Info("Removed drained agent", zap.String("agent_id", agent.ID))
}

// Draining lists the agents currently being drained
func (c *Controller) Draining(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, drainPrefix+".")
	if err != nil {
		return nil, fmt.Errorf("failed to list drains: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, drainPrefix+"."))
	}
	sort.Strings(ids)
	return ids, nil
}
