package scheduler

import (
	"fmt"
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Dispatch strategy names
const (
	StrategyCost        = "cost"
	StrategyPerformance = "performance"
	StrategyRoundRobin  = "round_robin"
	StrategyLeastBusy   = "least_busy"
)

// Strategy picks one agent among eligible candidates. Candidates are already
// filtered for status, capability, capacity and breaker state. A nil result
// means none of them suits the task.
type Strategy interface {
	Name() string
	Select(task *model.Task, candidates []*model.Agent) *model.Agent
}

// NewStrategy returns the strategy registered under name. It is called once
// at startup.
func NewStrategy(name string, baseDuration time.Duration) (Strategy, error) {
	switch name {
	case StrategyCost:
		return &CostStrategy{BaseDuration: baseDuration}, nil
	case StrategyPerformance:
		return &PerformanceStrategy{}, nil
	case StrategyRoundRobin:
		return &RoundRobinStrategy{}, nil
	case StrategyLeastBusy, "":
		return &LeastBusyStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

// pick returns the first agent by less, breaking ties by id
func pick(candidates []*model.Agent, less func(a, b *model.Agent) bool) *model.Agent {
	var best *model.Agent
	for _, a := range candidates {
		switch {
		case best == nil, less(a, best):
			best = a
		case !less(best, a) && a.ID < best.ID:
			best = a
		}
	}
	return best
}

// CostStrategy minimises the expected cost of the run, weighted up by the
// agent's current utilization. The score doubles when the projected run
// would use more than 80% of the time left before the task's deadline.
// Agents whose expected cost exceeds the task's budget are skipped.
type CostStrategy struct {
	BaseDuration time.Duration
	Now          func() time.Time
}

func (s *CostStrategy) Name() string { return StrategyCost }

// ProjectedDuration estimates how long agent would take to run task
func (s *CostStrategy) ProjectedDuration(task *model.Task, agent *model.Agent) time.Duration {
	if agent.AvgDuration > 0 {
		return time.Duration(float64(agent.AvgDuration) * complexityOf(task))
	}
	return task.EstimatedDuration(s.BaseDuration)
}

// ExpectedCost is the money spent running task on agent
func (s *CostStrategy) ExpectedCost(task *model.Task, agent *model.Agent) float64 {
	return agent.CostPerHour * s.ProjectedDuration(task, agent).Hours()
}

// Score is the value the strategy minimises
func (s *CostStrategy) Score(task *model.Task, agent *model.Agent) float64 {
	score := s.ExpectedCost(task, agent) * (1 + agent.Utilization())
	if task.Deadline != nil {
		now := time.Now()
		if s.Now != nil {
			now = s.Now()
		}
		remaining := task.Deadline.Sub(now)
		if float64(s.ProjectedDuration(task, agent)) > 0.8*float64(remaining) {
			score *= 2
		}
	}
	return score
}

func (s *CostStrategy) Select(task *model.Task, candidates []*model.Agent) *model.Agent {
	affordable := make([]*model.Agent, 0, len(candidates))
	for _, a := range candidates {
		if task.CostBudget > 0 && s.ExpectedCost(task, a) > task.CostBudget {
			continue
		}
		affordable = append(affordable, a)
	}
	return pick(affordable, func(a, b *model.Agent) bool {
		sa, sb := s.Score(task, a), s.Score(task, b)
		if sa != sb {
			return sa < sb
		}
		return a.PerformanceScore > b.PerformanceScore
	})
}

func complexityOf(t *model.Task) float64 {
	if t.Complexity <= 0 {
		return 1
	}
	return t.Complexity
}

// PerformanceStrategy maximises performance score times free slots, then
// prefers the lowest error rate and the lowest active load.
type PerformanceStrategy struct{}

func (s *PerformanceStrategy) Name() string { return StrategyPerformance }

func (s *PerformanceStrategy) Select(_ *model.Task, candidates []*model.Agent) *model.Agent {
	score := func(a *model.Agent) float64 {
		return a.PerformanceScore * float64(a.SpareCapacity())
	}
	return pick(candidates, func(a, b *model.Agent) bool {
		if score(a) != score(b) {
			return score(a) > score(b)
		}
		if a.ErrorRate != b.ErrorRate {
			return a.ErrorRate < b.ErrorRate
		}
		return a.ActiveCount() < b.ActiveCount()
	})
}

// RoundRobinStrategy spreads work by picking the agent that has completed
// the fewest tasks over its lifetime. Ties go to the earliest registration.
type RoundRobinStrategy struct{}

func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

func (s *RoundRobinStrategy) Select(_ *model.Task, candidates []*model.Agent) *model.Agent {
	return pick(candidates, func(a, b *model.Agent) bool {
		if a.CompletedCount != b.CompletedCount {
			return a.CompletedCount < b.CompletedCount
		}
		return a.RegistrationSeq < b.RegistrationSeq
	})
}

// LeastBusyStrategy prefers the lowest active/capacity ratio, then the
// lowest reported load.
type LeastBusyStrategy struct{}

func (s *LeastBusyStrategy) Name() string { return StrategyLeastBusy }

func (s *LeastBusyStrategy) Select(_ *model.Task, candidates []*model.Agent) *model.Agent {
	return pick(candidates, func(a, b *model.Agent) bool {
		if a.Utilization() != b.Utilization() {
			return a.Utilization() < b.Utilization()
		}
		return a.Load < b.Load
	})
}

// narrowToSpareCapacity keeps only the candidates with the most free slots
func narrowToSpareCapacity(candidates []*model.Agent) []*model.Agent {
	most := 0
	for _, a := range candidates {
		if a.SpareCapacity() > most {
			most = a.SpareCapacity()
		}
	}
	var out []*model.Agent
	for _, a := range candidates {
		if a.SpareCapacity() == most {
			out = append(out, a)
		}
	}
	return out
}
