package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func agentWith(id string, mutate func(a *model.Agent)) *model.Agent {
	a := &model.Agent{
		ID:               id,
		Type:             "worker",
		Status:           model.AgentStatusAvailable,
		MaxConcurrency:   4,
		PerformanceScore: 1,
	}
	if mutate != nil {
		mutate(a)
	}
	return a
}

func TestNewStrategy(t *testing.T) {
	for _, name := range []string{StrategyCost, StrategyPerformance, StrategyRoundRobin, StrategyLeastBusy} {
		s, err := NewStrategy(name, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	s, err := NewStrategy("", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StrategyLeastBusy, s.Name())

	_, err = NewStrategy("fastest", time.Minute)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestLeastBusyStrategy_PrefersLowestLoad(t *testing.T) {
	candidates := []*model.Agent{
		agentWith("agent-b", func(a *model.Agent) { a.Load = 0.5 }),
		agentWith("agent-c", func(a *model.Agent) { a.Load = 0.9 }),
		agentWith("agent-a", func(a *model.Agent) { a.Load = 0.1 }),
	}

	chosen := (&LeastBusyStrategy{}).Select(&model.Task{Type: "analysis"}, candidates)
	require.NotNil(t, chosen)
	assert.Equal(t, "agent-a", chosen.ID)
}

func TestLeastBusyStrategy_UtilizationFirst(t *testing.T) {
	candidates := []*model.Agent{
		agentWith("idle-but-loaded", func(a *model.Agent) { a.Load = 0.8 }),
		agentWith("half-full", func(a *model.Agent) {
			a.Load = 0.1
			a.ActiveTasks = []string{"t1", "t2"}
		}),
	}

	chosen := (&LeastBusyStrategy{}).Select(&model.Task{}, candidates)
	assert.Equal(t, "idle-but-loaded", chosen.ID)
}

func TestLeastBusyStrategy_TiesBreakByID(t *testing.T) {
	candidates := []*model.Agent{agentWith("b", nil), agentWith("a", nil), agentWith("c", nil)}
	assert.Equal(t, "a", (&LeastBusyStrategy{}).Select(&model.Task{}, candidates).ID)
}

func TestCostStrategy(t *testing.T) {
	s := &CostStrategy{BaseDuration: time.Hour}
	candidates := []*model.Agent{
		agentWith("cheap", func(a *model.Agent) { a.CostPerHour = 1 }),
		agentWith("pricey", func(a *model.Agent) { a.CostPerHour = 10 }),
		agentWith("fast", func(a *model.Agent) {
			a.CostPerHour = 4
			a.AvgDuration = 10 * time.Minute
		}),
	}

	task := &model.Task{Complexity: 1}
	assert.InDelta(t, 1.0, s.ExpectedCost(task, candidates[0]), 1e-9)
	assert.InDelta(t, 4.0/6, s.ExpectedCost(task, candidates[2]), 1e-9)
	assert.Equal(t, "fast", s.Select(task, candidates).ID)

	t.Run("budget filters agents", func(t *testing.T) {
		task := &model.Task{Complexity: 2, CostBudget: 1.5}
		chosen := s.Select(task, candidates[:2])
		assert.Nil(t, chosen)

		task.CostBudget = 2
		assert.Equal(t, "cheap", s.Select(task, candidates[:2]).ID)
	})

	t.Run("utilization raises the score", func(t *testing.T) {
		busy := agentWith("busy", func(a *model.Agent) {
			a.CostPerHour = 1
			a.ActiveTasks = []string{"t1", "t2", "t3"}
		})
		idle := agentWith("idle", func(a *model.Agent) { a.CostPerHour = 1.5 })

		assert.InDelta(t, 1.75, s.Score(task, busy), 1e-9)
		assert.InDelta(t, 1.5, s.Score(task, idle), 1e-9)
		assert.Equal(t, "idle", s.Select(task, []*model.Agent{busy, idle}).ID)
	})

	t.Run("tight deadline doubles the score", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		s := &CostStrategy{BaseDuration: time.Hour, Now: func() time.Time { return now }}
		deadline := now.Add(time.Hour)
		task := &model.Task{Complexity: 1, Deadline: &deadline}

		slow := agentWith("slow", func(a *model.Agent) { a.CostPerHour = 1 })
		quick := agentWith("quick", func(a *model.Agent) {
			a.CostPerHour = 1.5
			a.AvgDuration = 40 * time.Minute
		})

		assert.InDelta(t, 2.0, s.Score(task, slow), 1e-9)
		assert.InDelta(t, 1.0, s.Score(task, quick), 1e-9)
		assert.Equal(t, "quick", s.Select(task, []*model.Agent{slow, quick}).ID)
	})
}

func TestPerformanceStrategy(t *testing.T) {
	t.Run("score times spare capacity", func(t *testing.T) {
		candidates := []*model.Agent{
			agentWith("strong-but-full", func(a *model.Agent) {
				a.PerformanceScore = 1
				a.ActiveTasks = []string{"t1", "t2", "t3"}
			}),
			agentWith("decent-and-free", func(a *model.Agent) { a.PerformanceScore = 0.5 }),
		}
		assert.Equal(t, "decent-and-free", (&PerformanceStrategy{}).Select(&model.Task{}, candidates).ID)
	})

	t.Run("ties prefer lower error rate", func(t *testing.T) {
		candidates := []*model.Agent{
			agentWith("flaky", func(a *model.Agent) { a.ErrorRate = 0.5 }),
			agentWith("steady", func(a *model.Agent) { a.ErrorRate = 0.1 }),
		}
		assert.Equal(t, "steady", (&PerformanceStrategy{}).Select(&model.Task{}, candidates).ID)
	})

	t.Run("then lower active load", func(t *testing.T) {
		candidates := []*model.Agent{
			agentWith("one-running", func(a *model.Agent) {
				a.MaxConcurrency = 5
				a.ActiveTasks = []string{"t1"}
			}),
			agentWith("none-running", func(a *model.Agent) {}),
		}
		assert.Equal(t, "none-running", (&PerformanceStrategy{}).Select(&model.Task{}, candidates).ID)
	})
}

func TestRoundRobinStrategy(t *testing.T) {
	candidates := []*model.Agent{
		agentWith("veteran", func(a *model.Agent) {
			a.RegistrationSeq = 1
			a.CompletedCount = 12
		}),
		agentWith("late", func(a *model.Agent) {
			a.RegistrationSeq = 3
			a.CompletedCount = 2
		}),
		agentWith("early", func(a *model.Agent) {
			a.RegistrationSeq = 2
			a.CompletedCount = 2
		}),
	}

	s := &RoundRobinStrategy{}
	assert.Equal(t, "early", s.Select(&model.Task{}, candidates).ID)

	candidates[2].CompletedCount++
	assert.Equal(t, "late", s.Select(&model.Task{}, candidates).ID)
	assert.Nil(t, s.Select(&model.Task{}, nil))
}

func TestDispatcher_LeastBusyPicksLowestLoadAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for id, load := range map[string]float64{"agent-1": 0.1, "agent-5": 0.5, "agent-9": 0.9} {
		h.addAgent(t, id, "analysis", 2)
		_, err := h.registry.UpdateStatus(ctx, id, model.AgentStats{Load: load})
		require.NoError(t, err)
	}

	var assigned string
	h.invoker.setHandler(func(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error) {
		assigned = agent.ID
		return &model.TaskResult{TaskID: req.TaskID, AgentID: agent.ID}, nil
	})

	h.submit(t, &model.Task{Type: "analysis", Priority: model.TaskPriorityNormal})
	h.drain(t)
	assert.Equal(t, "agent-1", assigned)
}
