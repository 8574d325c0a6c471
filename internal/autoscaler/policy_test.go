package autoscaler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func pool(n, capacity, busy int, cost float64) []*model.Agent {
	agents := make([]*model.Agent, n)
	for i := range agents {
		a := &model.Agent{
			ID:             fmt.Sprintf("a%d", i),
			Status:         model.AgentStatusAvailable,
			MaxConcurrency: capacity,
			CostPerHour:    cost,
		}
		for j := 0; j < busy; j++ {
			a.ActiveTasks = append(a.ActiveTasks, fmt.Sprintf("t%d-%d", i, j))
		}
		agents[i] = a
	}
	return agents
}

func TestEvaluate(t *testing.T) {
	base := DefaultPool()

	tests := []struct {
		name    string
		cfg     func(PoolConfig) PoolConfig
		agents  []*model.Agent
		pending int
		budget  Budget
		action  Action
		count   int
	}{
		{
			name:   "idle pool at minimum stays",
			cfg:    func(p PoolConfig) PoolConfig { p.MinSize = 2; return p },
			agents: pool(2, 4, 0, 1),
			action: ActionNone,
		},
		{
			name:   "below minimum grows to minimum",
			cfg:    func(p PoolConfig) PoolConfig { p.MinSize = 3; p.MaxScaleUpPerCycle = 5; return p },
			agents: pool(1, 4, 0, 1),
			action: ActionScaleUp,
			count:  2,
		},
		{
			name:   "high utilization adds one",
			agents: pool(2, 2, 2, 1),
			action: ActionScaleUp,
			count:  1,
		},
		{
			name:    "backlog bounded by per-cycle rate",
			agents:  pool(1, 4, 1, 1),
			pending: 40,
			action:  ActionScaleUp,
			count:   2,
		},
		{
			name:    "backlog bounded by max size",
			cfg:     func(p PoolConfig) PoolConfig { p.MaxSize = 3; p.MaxScaleUpPerCycle = 10; return p },
			agents:  pool(2, 4, 1, 1),
			pending: 40,
			action:  ActionScaleUp,
			count:   1,
		},
		{
			name:    "pool at max size holds",
			cfg:     func(p PoolConfig) PoolConfig { p.MaxSize = 2; return p },
			agents:  pool(2, 1, 1, 1),
			pending: 10,
			action:  ActionNone,
		},
		{
			name:    "cost ceiling limits growth",
			cfg:     func(p PoolConfig) PoolConfig { p.CostCeiling = 7; p.MaxScaleUpPerCycle = 10; return p },
			agents:  pool(2, 1, 1, 2),
			pending: 20,
			action:  ActionScaleUp,
			count:   1,
		},
		{
			name:    "cost ceiling reached holds",
			cfg:     func(p PoolConfig) PoolConfig { p.CostCeiling = 4; return p },
			agents:  pool(2, 1, 1, 2),
			pending: 20,
			action:  ActionNone,
		},
		{
			name: "explicit agent price used for the ceiling",
			cfg: func(p PoolConfig) PoolConfig {
				p.CostCeiling = 10
				p.AgentCostPerHour = 3
				p.MaxScaleUpPerCycle = 10
				return p
			},
			agents:  pool(1, 1, 1, 1),
			pending: 20,
			action:  ActionScaleUp,
			count:   3,
		},
		{
			name:    "empty pool with unknown agent price holds under a pool ceiling",
			cfg:     func(p PoolConfig) PoolConfig { p.CostCeiling = 0.5; return p },
			pending: 3,
			action:  ActionNone,
		},
		{
			name:    "empty pool with unknown agent price holds under a fleet ceiling",
			pending: 3,
			budget:  Budget{Ceiling: 0.5},
			action:  ActionNone,
		},
		{
			name:    "fleet ceiling counts other pools",
			cfg:     func(p PoolConfig) PoolConfig { p.AgentCostPerHour = 0.2; return p },
			pending: 3,
			budget:  Budget{Ceiling: 0.5, HourlyCost: 0.2},
			action:  ActionScaleUp,
			count:   1,
		},
		{
			name:    "fleet ceiling reached holds",
			agents:  pool(2, 1, 1, 2),
			pending: 20,
			budget:  Budget{Ceiling: 10, HourlyCost: 9},
			action:  ActionNone,
		},
		{
			name:    "empty pool with work scales up",
			agents:  nil,
			pending: 3,
			action:  ActionScaleUp,
			count:   2,
		},
		{
			name:   "empty pool without work stays",
			agents: nil,
			action: ActionNone,
		},
		{
			name:   "idle pool above minimum shrinks by one",
			cfg:    func(p PoolConfig) PoolConfig { p.MinSize = 1; return p },
			agents: pool(4, 4, 0, 1),
			action: ActionScaleDown,
			count:  1,
		},
		{
			name:    "backlog blocks scale down",
			agents:  pool(4, 4, 0, 1),
			pending: 4,
			action:  ActionNone,
		},
		{
			name:   "scale down never crosses minimum",
			cfg:    func(p PoolConfig) PoolConfig { p.MinSize = 3; p.MaxScaleDownPerCycle = 5; return p },
			agents: pool(4, 4, 0, 1),
			action: ActionScaleDown,
			count:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			if tt.cfg != nil {
				cfg = tt.cfg(cfg)
			}
			d := Evaluate("shell", cfg, tt.agents, tt.pending, tt.budget)
			assert.Equal(t, tt.action, d.Action, d.Reason)
			assert.Equal(t, tt.count, d.Count, d.Reason)
			if d.Action == ActionScaleUp {
				assert.LessOrEqual(t, d.Registered+d.Count, cfg.MaxSize)
				if tt.budget.Ceiling > 0 {
					assert.LessOrEqual(t, tt.budget.HourlyCost+float64(d.Count)*d.UnitCost, tt.budget.Ceiling)
				}
			}
			if d.Action == ActionScaleDown {
				assert.GreaterOrEqual(t, d.Agents-d.Count, cfg.MinSize)
			}
		})
	}
}

func TestEvaluate_IgnoresDrainingAgents(t *testing.T) {
	agents := pool(3, 2, 0, 1)
	agents[0].Status = model.AgentStatusDraining
	agents[1].Status = model.AgentStatusOffline

	d := Evaluate("shell", DefaultPool(), agents, 0, Budget{})
	assert.Equal(t, 1, d.Agents)
	assert.Equal(t, 3, d.Registered)
}

func TestEvaluate_MaxSizeCountsEveryRegisteredAgent(t *testing.T) {
	cfg := DefaultPool()
	cfg.MaxSize = 3

	agents := pool(3, 2, 2, 1)
	agents[0].Status = model.AgentStatusDraining

	d := Evaluate("shell", cfg, agents, 0, Budget{})
	assert.Equal(t, 2, d.Agents)
	assert.Equal(t, ActionNone, d.Action, d.Reason)
	assert.Zero(t, d.Count)
	assert.Contains(t, d.Reason, "pool at max size")

	agents[1].Status = model.AgentStatusOffline
	d = Evaluate("shell", cfg, agents, 0, Budget{})
	assert.Equal(t, ActionNone, d.Action, "offline agents still hold a pool slot")

	cfg.MaxSize = 4
	d = Evaluate("shell", cfg, agents, 0, Budget{})
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 1, d.Count)
}

func TestEvaluate_PoolCostCountsEveryRegisteredAgent(t *testing.T) {
	cfg := DefaultPool()
	cfg.CostCeiling = 6

	agents := pool(3, 1, 1, 2)
	agents[2].Status = model.AgentStatusError

	d := Evaluate("shell", cfg, agents, 10, Budget{})
	assert.InDelta(t, 6.0, d.HourlyCost, 1e-9)
	assert.Equal(t, ActionNone, d.Action, d.Reason)
	assert.Contains(t, d.Reason, "held by pool cost ceiling")
}

func TestConfig_Pool(t *testing.T) {
	cfg := Config{
		Defaults: PoolConfig{MaxSize: 20},
		Pools: map[string]PoolConfig{
			"gpu": {MinSize: 1, MaxSize: 4, Cooldown: 0},
		},
	}

	gpu := cfg.Pool("gpu")
	assert.Equal(t, 1, gpu.MinSize)
	assert.Equal(t, 4, gpu.MaxSize)
	assert.Equal(t, DefaultPool().Cooldown, gpu.Cooldown)
	assert.Equal(t, 0.8, gpu.HighUtilization)

	other := cfg.Pool("shell")
	assert.Equal(t, 20, other.MaxSize)
	assert.Equal(t, 0, other.MinSize)
}

func TestPoolConfig_Validate(t *testing.T) {
	ok := DefaultPool()
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.MinSize = 11
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPool)

	bad = ok
	bad.LowUtilization = 0.9
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPool)
}
