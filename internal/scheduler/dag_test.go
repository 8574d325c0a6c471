package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func dagTask(id string, complexity float64, deps ...string) *model.Task {
	return &model.Task{ID: id, Type: "analysis", Complexity: complexity, Dependencies: deps}
}

// diamond is a -> {b, c} -> d with c twice as heavy as b
func diamond() []*model.Task {
	return []*model.Task{
		dagTask("a", 1),
		dagTask("b", 1, "a"),
		dagTask("c", 2, "a"),
		dagTask("d", 1, "b", "c"),
	}
}

func TestDAG_ValidateOrder(t *testing.T) {
	order, err := NewDAG(diamond()).Validate()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestDAG_CycleReportsPath(t *testing.T) {
	tasks := []*model.Task{
		dagTask("a", 1, "c"),
		dagTask("b", 1, "a"),
		dagTask("c", 1, "b"),
		dagTask("d", 1),
	}
	_, err := NewDAG(tasks).Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircularDependency))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	require.GreaterOrEqual(t, len(cycle.Path), 4)
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle.Path[:len(cycle.Path)-1])
}

func TestDAG_Generations(t *testing.T) {
	dag := NewDAG(diamond())

	gens, err := dag.Generations()
	require.NoError(t, err)
	require.Len(t, gens, 3)
	assert.Equal(t, []string{"a"}, gens[0])
	assert.ElementsMatch(t, []string{"b", "c"}, gens[1])
	assert.Equal(t, []string{"d"}, gens[2])

	assert.Equal(t, 1, dag.Generation("c"))
	assert.Equal(t, []string{"a"}, dag.Roots())
}

func TestDAG_CriticalPath(t *testing.T) {
	dag := NewDAG(diamond())

	total, path, err := dag.CriticalPath(EstimatedWeight(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, total)
	assert.Equal(t, []string{"a", "c", "d"}, path)
}

func TestDAG_RemainingWeightSkipsFinished(t *testing.T) {
	now := time.Now()
	tasks := diamond()
	tasks[0].Status = model.TaskStatusCompleted
	tasks[2].Status = model.TaskStatusCompleted

	total, _, err := NewDAG(tasks).CriticalPath(RemainingWeight(time.Minute, now))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, total)
}

func TestDAG_Descendants(t *testing.T) {
	dag := NewDAG(diamond())

	assert.ElementsMatch(t, []string{"b", "c", "d"}, dag.Descendants("a"))
	assert.ElementsMatch(t, []string{"d"}, dag.Descendants("b"))
	assert.Empty(t, dag.Descendants("d"))
	assert.Equal(t, 4, dag.Len())
}
