package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const (
	agentPrefix   = "agent"
	capIndex      = "idx.cap"
	typeIndex     = "idx.type"
	breakerPrefix = "breaker"
	sequenceKey   = "seq.agents"
)

// Config holds registry tunables
type Config struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	PurgeAfter       time.Duration `mapstructure:"purge_after"`
	MinHealth        float64       `mapstructure:"min_health"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// Registry tracks agents in a shared key/value store. Every mutation is an
// atomic per-key operation; nothing is cached in process.
type Registry struct {
	logger *zap.Logger
	store  kvstore.Store
	issuer *auth.Issuer
	cfg    Config
	now    func() time.Time
}

// NewRegistry creates a registry. issuer may be nil, in which case Register
// returns an empty token.
func NewRegistry(store kvstore.Store, issuer *auth.Issuer, cfg Config, logger *zap.Logger) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 10 * cfg.HeartbeatTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Registry{
		logger: logger.Named("registry"),
		store:  store,
		issuer: issuer,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Config returns the registry configuration
func (r *Registry) Config() Config {
	return r.cfg
}

func agentKey(id string) string {
	return kvstore.Join(agentPrefix, id)
}

func decodeAgent(data []byte) (*model.Agent, error) {
	var a model.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode agent: %w", err)
	}
	return &a, nil
}

// mutateAgent applies fn to the stored agent with CAS retries
func (r *Registry) mutateAgent(ctx context.Context, id string, fn func(a *model.Agent) error) (*model.Agent, error) {
	var result *model.Agent
	_, err := kvstore.Mutate(ctx, r.store, agentKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrAgentNotFound
		}
		a, err := decodeAgent(current)
		if err != nil {
			return nil, err
		}
		if err := fn(a); err != nil {
			return nil, err
		}
		result = a
		return json.Marshal(a)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Registry) nextSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	_, err := kvstore.Mutate(ctx, r.store, sequenceKey, func(current []byte) ([]byte, error) {
		seq = 0
		if current != nil {
			n, err := strconv.ParseUint(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse sequence: %w", err)
			}
			seq = n
		}
		seq++
		return []byte(strconv.FormatUint(seq, 10)), nil
	})
	return seq, err
}

// Register adds an agent, or refreshes it when the id is already known, and
// returns a session token for calls back into the orchestrator.
func (r *Registry) Register(ctx context.Context, agent *model.Agent) (string, error) {
	if agent.ID == "" || agent.Type == "" {
		return "", fmt.Errorf("%w: id and type are required", ErrInvalidAgent)
	}
	if agent.MaxConcurrency <= 0 {
		agent.MaxConcurrency = 1
	}

	now := r.now()
	var previous *model.Agent
	_, err := kvstore.Mutate(ctx, r.store, agentKey(agent.ID), func(current []byte) ([]byte, error) {
		next := agent.Clone()
		previous = nil
		if current != nil {
			old, err := decodeAgent(current)
			if err != nil {
				return nil, err
			}
			previous = old
			next.RegistrationSeq = old.RegistrationSeq
			next.RegisteredAt = old.RegisteredAt
			next.PerformanceScore = old.PerformanceScore
			next.ErrorRate = old.ErrorRate
			next.AvgDuration = old.AvgDuration
			next.CompletedCount = old.CompletedCount
			next.ActiveTasks = old.ActiveTasks
		} else {
			seq, err := r.nextSequence(ctx)
			if err != nil {
				return nil, err
			}
			next.RegistrationSeq = seq
			next.RegisteredAt = now
			next.PerformanceScore = 1
			next.ActiveTasks = nil
		}
		next.Status = model.AgentStatusAvailable
		next.DrainingSince = nil
		next.LastHeartbeat = now
		next.HealthScore = HealthScore(next, now, r.cfg.HeartbeatTimeout)
		*agent = *next
		return json.Marshal(next)
	})
	if err != nil {
		return "", fmt.Errorf("failed to register agent: %w", err)
	}

	if previous != nil {
		for _, c := range previous.Capabilities {
			if !agent.HasCapability(c) {
				if err := r.indexRemove(ctx, kvstore.Join(capIndex, c), agent.ID); err != nil {
					return "", err
				}
			}
		}
		if previous.Type != agent.Type {
			if err := r.indexRemove(ctx, kvstore.Join(typeIndex, previous.Type), agent.ID); err != nil {
				return "", err
			}
		}
	}
	for _, c := range agent.Capabilities {
		if err := r.indexAdd(ctx, kvstore.Join(capIndex, c), agent.ID); err != nil {
			return "", err
		}
	}
	if err := r.indexAdd(ctx, kvstore.Join(typeIndex, agent.Type), agent.ID); err != nil {
		return "", err
	}

	r.logger.Info("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("type", agent.Type),
		zap.Strings("capabilities", agent.Capabilities),
		zap.Int("max_concurrency", agent.MaxConcurrency))

	if r.issuer == nil {
		return "", nil
	}
	return r.issuer.Issue(agent.ID, agent.Capabilities, auth.AudienceOrchestrator, r.cfg.TokenTTL)
}

// Deregister removes an agent and its index entries
func (r *Registry) Deregister(ctx context.Context, id string) error {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	for _, c := range agent.Capabilities {
		if err := r.indexRemove(ctx, kvstore.Join(capIndex, c), id); err != nil {
			return err
		}
	}
	if err := r.indexRemove(ctx, kvstore.Join(typeIndex, agent.Type), id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, agentKey(id), 0); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if err := r.store.Delete(ctx, kvstore.Join(breakerPrefix, id), 0); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("failed to delete breaker state: %w", err)
	}

	r.logger.Info("Agent deregistered", zap.String("agent_id", id))
	return nil
}

// Get returns one agent
func (r *Registry) Get(ctx context.Context, id string) (*model.Agent, error) {
	entry, err := r.store.Get(ctx, agentKey(id))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return decodeAgent(entry.Value)
}

// List returns every registered agent ordered by registration
func (r *Registry) List(ctx context.Context) ([]*model.Agent, error) {
	keys, err := r.store.Keys(ctx, agentPrefix+".")
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, agentPrefix+"."))
	}
	return r.load(ctx, ids)
}

// ListByType returns the agents of one type
func (r *Registry) ListByType(ctx context.Context, agentType string) ([]*model.Agent, error) {
	ids, err := r.indexMembers(ctx, kvstore.Join(typeIndex, agentType))
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

// Types returns every agent type with at least one registered agent
func (r *Registry) Types(ctx context.Context) ([]string, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var types []string
	for _, a := range agents {
		if !seen[a.Type] {
			seen[a.Type] = true
			types = append(types, a.Type)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (r *Registry) load(ctx context.Context, ids []string) ([]*model.Agent, error) {
	agents := make([]*model.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrAgentNotFound) {
				continue
			}
			return nil, err
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].RegistrationSeq < agents[j].RegistrationSeq
	})
	return agents, nil
}

// Candidates returns schedulable agents holding every capability whose
// health score is at least the configured minimum. Scores are refreshed
// against the current time.
func (r *Registry) Candidates(ctx context.Context, capabilities []string) ([]*model.Agent, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	var ids []string
	for i, c := range capabilities {
		members, err := r.indexMembers(ctx, kvstore.Join(capIndex, c))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			ids = members
		} else {
			ids = intersect(ids, members)
		}
		if len(ids) == 0 {
			return nil, nil
		}
	}

	agents, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := r.now()
	eligible := agents[:0]
	for _, a := range agents {
		if !a.Status.Schedulable() {
			continue
		}
		a.HealthScore = HealthScore(a, now, r.cfg.HeartbeatTimeout)
		if a.HealthScore < r.cfg.MinHealth {
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible, nil
}

// Discover returns up to max candidates ordered by the selector
func (r *Registry) Discover(ctx context.Context, capabilities []string, selector Selector, max int) ([]*model.Agent, error) {
	candidates, err := r.Candidates(ctx, capabilities)
	if err != nil {
		return nil, err
	}
	return selector.Select(candidates, max), nil
}

// UpdateStatus stores a load report from an agent and counts as a heartbeat
func (r *Registry) UpdateStatus(ctx context.Context, id string, stats model.AgentStats) (*model.Agent, error) {
	now := r.now()
	return r.mutateAgent(ctx, id, func(a *model.Agent) error {
		a.Load = stats.Load
		a.CPUUsage = stats.CPUUsage
		a.MemoryUsage = stats.MemoryUsage
		a.QueuedTasks = stats.Queued
		a.LastHeartbeat = now
		revive(a)
		a.HealthScore = HealthScore(a, now, r.cfg.HeartbeatTimeout)
		return nil
	})
}

// Heartbeat refreshes an agent's liveness
func (r *Registry) Heartbeat(ctx context.Context, id string) (*model.Agent, error) {
	now := r.now()
	return r.mutateAgent(ctx, id, func(a *model.Agent) error {
		a.LastHeartbeat = now
		revive(a)
		a.HealthScore = HealthScore(a, now, r.cfg.HeartbeatTimeout)
		return nil
	})
}

// revive returns an agent that was written off back into service
func revive(a *model.Agent) {
	if a.Status == model.AgentStatusOffline || a.Status == model.AgentStatusError {
		a.Status = busyOrAvailable(a)
	}
}

func busyOrAvailable(a *model.Agent) model.AgentStatus {
	if a.SpareCapacity() == 0 {
		return model.AgentStatusBusy
	}
	return model.AgentStatusAvailable
}

// SetStatus moves an agent to status if the state machine allows it
func (r *Registry) SetStatus(ctx context.Context, id string, status model.AgentStatus) (*model.Agent, error) {
	now := r.now()
	return r.mutateAgent(ctx, id, func(a *model.Agent) error {
		if !a.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
		}
		if status == model.AgentStatusDraining && a.Status != model.AgentStatusDraining {
			a.DrainingSince = &now
		}
		a.Status = status
		return nil
	})
}

// MarkOffline moves an agent to OFFLINE and empties its active set,
// returning the task ids it was holding.
func (r *Registry) MarkOffline(ctx context.Context, id string) ([]string, error) {
	var orphaned []string
	_, err := r.mutateAgent(ctx, id, func(a *model.Agent) error {
		if !a.Status.CanTransition(model.AgentStatusOffline) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, model.AgentStatusOffline)
		}
		orphaned = append([]string(nil), a.ActiveTasks...)
		a.ActiveTasks = nil
		a.Status = model.AgentStatusOffline
		return nil
	})
	return orphaned, err
}

// ReserveSlot adds taskID to the agent's active set. It fails when the agent
// is not schedulable or already at max concurrency.
func (r *Registry) ReserveSlot(ctx context.Context, id, taskID string) (*model.Agent, error) {
	return r.mutateAgent(ctx, id, func(a *model.Agent) error {
		if a.HasTask(taskID) {
			return nil
		}
		if !a.Status.Schedulable() {
			return fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, id, a.Status)
		}
		if a.SpareCapacity() == 0 {
			return fmt.Errorf("%w: %s", ErrNoCapacity, id)
		}
		a.ActiveTasks = append(a.ActiveTasks, taskID)
		a.Status = busyOrAvailable(a)
		return nil
	})
}

// ReleaseSlot removes taskID from the agent's active set. A missing agent or
// task is not an error.
func (r *Registry) ReleaseSlot(ctx context.Context, id, taskID string) error {
	_, err := r.mutateAgent(ctx, id, func(a *model.Agent) error {
		kept := a.ActiveTasks[:0]
		for _, t := range a.ActiveTasks {
			if t != taskID {
				kept = append(kept, t)
			}
		}
		a.ActiveTasks = kept
		if a.Status == model.AgentStatusBusy {
			a.Status = busyOrAvailable(a)
		}
		return nil
	})
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	return err
}

// RecordOutcome folds a task result into the agent's rolling statistics
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool, duration time.Duration) error {
	_, err := r.mutateAgent(ctx, id, func(a *model.Agent) error {
		recordOutcome(a, success, duration)
		return nil
	})
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	return err
}

// MirrorBreaker publishes a breaker state so every dispatcher sees it
func (r *Registry) MirrorBreaker(ctx context.Context, id, state string) error {
	value := state + "@" + strconv.FormatInt(r.now().UnixNano(), 10)
	if _, err := r.store.Put(ctx, kvstore.Join(breakerPrefix, id), []byte(value)); err != nil {
		return fmt.Errorf("failed to mirror breaker state: %w", err)
	}
	return nil
}

func (r *Registry) breakerEntry(ctx context.Context, id string) (string, time.Time, error) {
	entry, err := r.store.Get(ctx, kvstore.Join(breakerPrefix, id))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, fmt.Errorf("failed to read breaker state: %w", err)
	}
	state, stamp, _ := strings.Cut(string(entry.Value), "@")
	nanos, _ := strconv.ParseInt(stamp, 10, 64)
	return state, time.Unix(0, nanos), nil
}

// BreakerState returns the mirrored breaker state, or "" when unknown
func (r *Registry) BreakerState(ctx context.Context, id string) (string, error) {
	state, _, err := r.breakerEntry(ctx, id)
	return state, err
}

// BreakerOpen reports whether some dispatcher opened the agent's breaker
// less than cooldown ago. An open mirror older than that is due a probe.
func (r *Registry) BreakerOpen(ctx context.Context, id string, cooldown time.Duration) (bool, error) {
	state, since, err := r.breakerEntry(ctx, id)
	if err != nil || state != "open" {
		return false, err
	}
	return r.now().Sub(since) < cooldown, nil
}

func (r *Registry) indexMembers(ctx context.Context, key string) ([]string, error) {
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read index %s: %w", key, err)
	}
	var ids []string
	if err := json.Unmarshal(entry.Value, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode index %s: %w", key, err)
	}
	return ids, nil
}

func (r *Registry) indexAdd(ctx context.Context, key, id string) error {
	_, err := kvstore.Mutate(ctx, r.store, key, func(current []byte) ([]byte, error) {
		var ids []string
		if current != nil {
			if err := json.Unmarshal(current, &ids); err != nil {
				return nil, err
			}
		}
		i := sort.SearchStrings(ids, id)
		if i < len(ids) && ids[i] == id {
			return current, nil
		}
		ids = append(ids, "")
		copy(ids[i+1:], ids[i:])
		ids[i] = id
		return json.Marshal(ids)
	})
	if err != nil {
		return fmt.Errorf("failed to update index %s: %w", key, err)
	}
	return nil
}

func (r *Registry) indexRemove(ctx context.Context, key, id string) error {
	_, err := kvstore.Mutate(ctx, r.store, key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var ids []string
		if err := json.Unmarshal(current, &ids); err != nil {
			return nil, err
		}
		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			return nil, nil
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return fmt.Errorf("failed to update index %s: %w", key, err)
	}
	return nil
}

// intersect returns the ids present in both sorted slices
func intersect(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
