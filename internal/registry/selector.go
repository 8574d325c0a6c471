package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Discovery strategy names
const (
	StrategyLeastLoad        = "least_load"
	StrategyLeastConnections = "least_connections"
	StrategyWeightedHealth   = "weighted_health"
	StrategyRoundRobin       = "round_robin"
	StrategyRandom           = "random"
)

// Selector orders discovery candidates and keeps at most max of them
type Selector interface {
	Name() string
	Select(agents []*model.Agent, max int) []*model.Agent
}

// NewSelector returns the selector registered under name
func NewSelector(name string) (Selector, error) {
	switch name {
	case StrategyLeastLoad, "":
		return LeastLoadSelector{}, nil
	case StrategyLeastConnections:
		return LeastConnectionsSelector{}, nil
	case StrategyWeightedHealth:
		return NewWeightedHealthSelector(time.Now().UnixNano()), nil
	case StrategyRoundRobin:
		return &RoundRobinSelector{}, nil
	case StrategyRandom:
		return NewRandomSelector(time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

func truncate(agents []*model.Agent, max int) []*model.Agent {
	if max > 0 && len(agents) > max {
		return agents[:max]
	}
	return agents
}

func sorted(agents []*model.Agent, less func(a, b *model.Agent) bool) []*model.Agent {
	out := append([]*model.Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LeastLoadSelector prefers the lowest reported load
type LeastLoadSelector struct{}

func (LeastLoadSelector) Name() string { return StrategyLeastLoad }

func (LeastLoadSelector) Select(agents []*model.Agent, max int) []*model.Agent {
	return truncate(sorted(agents, func(a, b *model.Agent) bool { return a.Load < b.Load }), max)
}

// LeastConnectionsSelector prefers the fewest active tasks
type LeastConnectionsSelector struct{}

func (LeastConnectionsSelector) Name() string { return StrategyLeastConnections }

func (LeastConnectionsSelector) Select(agents []*model.Agent, max int) []*model.Agent {
	return truncate(sorted(agents, func(a, b *model.Agent) bool { return a.ActiveCount() < b.ActiveCount() }), max)
}

// WeightedHealthSelector draws agents without replacement with probability
// proportional to their health score.
type WeightedHealthSelector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWeightedHealthSelector creates a selector with a seeded source
func NewWeightedHealthSelector(seed int64) *WeightedHealthSelector {
	return &WeightedHealthSelector{rnd: rand.New(rand.NewSource(seed))}
}

func (*WeightedHealthSelector) Name() string { return StrategyWeightedHealth }

func (s *WeightedHealthSelector) Select(agents []*model.Agent, max int) []*model.Agent {
	pool := append([]*model.Agent(nil), agents...)
	out := make([]*model.Agent, 0, len(pool))

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(pool) > 0 && (max <= 0 || len(out) < max) {
		total := 0.0
		for _, a := range pool {
			total += a.HealthScore
		}

		pick := 0
		if total > 0 {
			target := s.rnd.Float64() * total
			for i, a := range pool {
				target -= a.HealthScore
				if target <= 0 {
					pick = i
					break
				}
			}
		} else {
			pick = s.rnd.Intn(len(pool))
		}

		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return out
}

// RoundRobinSelector rotates through agents in registration order
type RoundRobinSelector struct {
	cursor uint64
}

func (*RoundRobinSelector) Name() string { return StrategyRoundRobin }

func (s *RoundRobinSelector) Select(agents []*model.Agent, max int) []*model.Agent {
	if len(agents) == 0 {
		return nil
	}
	ordered := append([]*model.Agent(nil), agents...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RegistrationSeq < ordered[j].RegistrationSeq
	})

	start := int((atomic.AddUint64(&s.cursor, 1) - 1) % uint64(len(ordered)))
	out := make([]*model.Agent, 0, len(ordered))
	out = append(out, ordered[start:]...)
	out = append(out, ordered[:start]...)
	return truncate(out, max)
}

// RandomSelector shuffles candidates uniformly
type RandomSelector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSelector creates a selector with a seeded source
func NewRandomSelector(seed int64) *RandomSelector {
	return &RandomSelector{rnd: rand.New(rand.NewSource(seed))}
}

func (*RandomSelector) Name() string { return StrategyRandom }

func (s *RandomSelector) Select(agents []*model.Agent, max int) []*model.Agent {
	out := append([]*model.Agent(nil), agents...)
	s.mu.Lock()
	s.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return truncate(out, max)
}
