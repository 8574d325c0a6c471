package autoscaler

import (
	"fmt"
	"math"
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Action is what a scaling decision asks for
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// PoolConfig bounds and steers the pool of one agent type
type PoolConfig struct {
	MinSize int `mapstructure:"min_size"`
	MaxSize int `mapstructure:"max_size"`

	// HighUtilization and LowUtilization are active/capacity ratios
	HighUtilization float64 `mapstructure:"high_utilization"`
	LowUtilization  float64 `mapstructure:"low_utilization"`

	TargetPendingPerAgent float64 `mapstructure:"target_pending_per_agent"`

	MaxScaleUpPerCycle   int `mapstructure:"max_scale_up_per_cycle"`
	MaxScaleDownPerCycle int `mapstructure:"max_scale_down_per_cycle"`

	// CostCeiling caps the hourly cost of the pool. Zero means no cap.
	CostCeiling float64 `mapstructure:"cost_ceiling"`
	// AgentCostPerHour prices a new agent. Zero uses the pool average. When
	// neither is known and a ceiling applies, the pool does not grow.
	AgentCostPerHour float64 `mapstructure:"agent_cost_per_hour"`

	Cooldown   time.Duration `mapstructure:"cooldown"`
	DrainGrace time.Duration `mapstructure:"drain_grace"`
}

// DefaultPool returns the pool settings used when nothing is configured
func DefaultPool() PoolConfig {
	return PoolConfig{
		MaxSize:               10,
		HighUtilization:       0.8,
		LowUtilization:        0.3,
		TargetPendingPerAgent: 2,
		MaxScaleUpPerCycle:    2,
		MaxScaleDownPerCycle:  1,
		Cooldown:              2 * time.Minute,
		DrainGrace:            5 * time.Minute,
	}
}

// merge fills the unset fields of p from d. MinSize and CostCeiling are
// meaningful at zero and are kept as given.
func (p PoolConfig) merge(d PoolConfig) PoolConfig {
	if p.MaxSize <= 0 {
		p.MaxSize = d.MaxSize
	}
	if p.HighUtilization <= 0 {
		p.HighUtilization = d.HighUtilization
	}
	if p.LowUtilization <= 0 {
		p.LowUtilization = d.LowUtilization
	}
	if p.TargetPendingPerAgent <= 0 {
		p.TargetPendingPerAgent = d.TargetPendingPerAgent
	}
	if p.MaxScaleUpPerCycle <= 0 {
		p.MaxScaleUpPerCycle = d.MaxScaleUpPerCycle
	}
	if p.MaxScaleDownPerCycle <= 0 {
		p.MaxScaleDownPerCycle = d.MaxScaleDownPerCycle
	}
	if p.AgentCostPerHour <= 0 {
		p.AgentCostPerHour = d.AgentCostPerHour
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.DrainGrace <= 0 {
		p.DrainGrace = d.DrainGrace
	}
	return p
}

// Validate checks the bounds of a merged pool
func (p PoolConfig) Validate() error {
	switch {
	case p.MinSize < 0:
		return fmt.Errorf("%w: negative min size", ErrInvalidPool)
	case p.MaxSize < p.MinSize:
		return fmt.Errorf("%w: max size %d below min size %d", ErrInvalidPool, p.MaxSize, p.MinSize)
	case p.LowUtilization >= p.HighUtilization:
		return fmt.Errorf("%w: low utilization must be below high utilization", ErrInvalidPool)
	}
	return nil
}

// Budget is the fleet-wide spending room shared by every pool
type Budget struct {
	// Ceiling caps the hourly cost of all registered agents. Zero means no cap.
	Ceiling float64
	// HourlyCost is what the fleet costs now, including this pool
	HourlyCost float64
}

// Decision is the outcome of evaluating one pool
type Decision struct {
	Type            string  `json:"type"`
	Action          Action  `json:"action"`
	Count           int     `json:"count"`
	Reason          string  `json:"reason"`
	Agents          int     `json:"agents"`
	Registered      int     `json:"registered"`
	Pending         int     `json:"pending"`
	Utilization     float64 `json:"utilization"`
	PendingPerAgent float64 `json:"pending_per_agent"`
	HourlyCost      float64 `json:"hourly_cost"`
	UnitCost        float64 `json:"unit_cost"`
}

// activeAgents keeps the agents that can take work
func activeAgents(agents []*model.Agent) []*model.Agent {
	var out []*model.Agent
	for _, a := range agents {
		if a.Status.Schedulable() {
			out = append(out, a)
		}
	}
	return out
}

// Evaluate decides how the pool of agentType should change. Utilization is
// measured over schedulable agents, while the size and cost bounds count
// every registered agent of the type. It has no side effects; cooldown is
// applied by the controller.
func Evaluate(agentType string, cfg PoolConfig, agents []*model.Agent, pending int, budget Budget) Decision {
	active := activeAgents(agents)
	size := len(active)
	d := Decision{Type: agentType, Action: ActionNone, Agents: size, Registered: len(agents), Pending: pending}

	for _, a := range agents {
		d.HourlyCost += a.CostPerHour
	}
	d.UnitCost = cfg.AgentCostPerHour
	if d.UnitCost <= 0 && len(agents) > 0 {
		d.UnitCost = d.HourlyCost / float64(len(agents))
	}

	capacity, busy := 0, 0
	for _, a := range active {
		capacity += a.MaxConcurrency
		busy += a.ActiveCount()
	}
	if capacity > 0 {
		d.Utilization = float64(busy) / float64(capacity)
	}
	if size > 0 {
		d.PendingPerAgent = float64(pending) / float64(size)
	} else {
		d.PendingPerAgent = float64(pending)
	}

	switch {
	case size < cfg.MinSize:
		d.Action = ActionScaleUp
		d.Count = cfg.MinSize - size
		d.Reason = "below minimum pool size"
	case d.Utilization > cfg.HighUtilization || d.PendingPerAgent > cfg.TargetPendingPerAgent:
		d.Action = ActionScaleUp
		d.Count = int(math.Ceil(float64(pending)/cfg.TargetPendingPerAgent)) - size
		if d.Count < 1 {
			d.Count = 1
		}
		if d.Utilization > cfg.HighUtilization {
			d.Reason = fmt.Sprintf("utilization %.2f above %.2f", d.Utilization, cfg.HighUtilization)
		} else {
			d.Reason = fmt.Sprintf("%.1f pending per agent above %.1f", d.PendingPerAgent, cfg.TargetPendingPerAgent)
		}
	case size > cfg.MinSize &&
		d.Utilization < cfg.LowUtilization &&
		d.PendingPerAgent < cfg.TargetPendingPerAgent/2:
		d.Action = ActionScaleDown
		d.Count = min(cfg.MaxScaleDownPerCycle, size-cfg.MinSize)
		d.Reason = fmt.Sprintf("utilization %.2f below %.2f", d.Utilization, cfg.LowUtilization)
		return d
	default:
		return d
	}

	return boundScaleUp(d, cfg, budget)
}

// boundScaleUp applies the per-cycle rate, the max pool size, the pool cost
// ceiling and the fleet cost ceiling to a scale-up decision
func boundScaleUp(d Decision, cfg PoolConfig, budget Budget) Decision {
	d.Count = min(d.Count, cfg.MaxScaleUpPerCycle, cfg.MaxSize-d.Registered)
	if d.Count <= 0 && d.Registered >= cfg.MaxSize {
		d.Reason += ", pool at max size"
	}

	d.Count = d.capByCost(d.Count, cfg.CostCeiling, d.HourlyCost, "pool")
	d.Count = d.capByCost(d.Count, budget.Ceiling, budget.HourlyCost, "fleet")

	if d.Count <= 0 {
		d.Count = 0
		d.Action = ActionNone
	}
	return d
}

// capByCost limits count to what fits under ceiling. An unknown unit cost
// cannot be checked against a ceiling, so nothing is added.
func (d *Decision) capByCost(count int, ceiling, current float64, scope string) int {
	if ceiling <= 0 || count <= 0 {
		return count
	}
	if d.UnitCost <= 0 {
		d.Reason += fmt.Sprintf(", agent cost unknown under %s cost ceiling", scope)
		return 0
	}
	affordable := int(math.Floor((ceiling - current) / d.UnitCost))
	if affordable < count {
		count = max(affordable, 0)
		if count == 0 {
			d.Reason += fmt.Sprintf(", held by %s cost ceiling", scope)
		}
	}
	return count
}
