package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func fleet() []*model.Agent {
	return []*model.Agent{
		{ID: "c", Load: 0.5, ActiveTasks: []string{"x"}, RegistrationSeq: 3, HealthScore: 0.5},
		{ID: "a", Load: 0.9, ActiveTasks: []string{"x", "y"}, RegistrationSeq: 1, HealthScore: 0.1},
		{ID: "b", Load: 0.1, RegistrationSeq: 2, HealthScore: 0.9},
	}
}

func TestSelectors(t *testing.T) {
	t.Run("least load", func(t *testing.T) {
		assert.Equal(t, []string{"b", "c", "a"}, ids(LeastLoadSelector{}.Select(fleet(), 0)))
	})

	t.Run("least connections", func(t *testing.T) {
		assert.Equal(t, []string{"b", "c"}, ids(LeastConnectionsSelector{}.Select(fleet(), 2)))
	})

	t.Run("round robin follows registration order", func(t *testing.T) {
		rr := &RoundRobinSelector{}
		assert.Equal(t, []string{"a", "b", "c"}, ids(rr.Select(fleet(), 0)))
		assert.Equal(t, []string{"b", "c", "a"}, ids(rr.Select(fleet(), 0)))
		assert.Equal(t, []string{"c"}, ids(rr.Select(fleet(), 1)))
		assert.Equal(t, []string{"a"}, ids(rr.Select(fleet(), 1)))
	})

	t.Run("weighted health favours healthy agents", func(t *testing.T) {
		sel := NewWeightedHealthSelector(42)
		first := map[string]int{}
		for i := 0; i < 2000; i++ {
			out := sel.Select(fleet(), 0)
			require.Len(t, out, 3)
			first[out[0].ID]++
		}
		assert.Greater(t, first["b"], first["c"])
		assert.Greater(t, first["c"], first["a"])
	})

	t.Run("random keeps everyone", func(t *testing.T) {
		out := NewRandomSelector(1).Select(fleet(), 0)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(out))
	})

	t.Run("by name", func(t *testing.T) {
		for _, name := range []string{StrategyLeastLoad, StrategyLeastConnections, StrategyWeightedHealth, StrategyRoundRobin, StrategyRandom} {
			sel, err := NewSelector(name)
			require.NoError(t, err)
			assert.Equal(t, name, sel.Name())
		}
		_, err := NewSelector("psychic")
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})
}
