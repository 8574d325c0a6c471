package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Prober asks an agent directly whether it is alive
type Prober interface {
	CheckHealth(ctx context.Context, agent *model.Agent) (*model.HealthStatus, error)
}

// OfflineHandler receives the tasks an agent held when it was written off
type OfflineHandler func(ctx context.Context, agentID string, taskIDs []string)

// Sweeper watches heartbeats. A stale agent is probed: no answer makes it
// OFFLINE and hands its tasks to the offline handler, an unhealthy answer
// makes it ERROR. An agent silent for longer than the purge grace is removed.
type Sweeper struct {
	logger       *zap.Logger
	registry     *Registry
	prober       Prober
	onOffline    OfflineHandler
	probeTimeout time.Duration
	stop         chan struct{}
}

// NewSweeper creates a heartbeat sweeper. prober may be nil, in which case
// every stale agent counts as unreachable.
func NewSweeper(registry *Registry, prober Prober, onOffline OfflineHandler, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		logger:       logger.Named("sweeper"),
		registry:     registry,
		prober:       prober,
		onOffline:    onOffline,
		probeTimeout: 5 * time.Second,
		stop:         make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	interval := s.registry.cfg.SweepInterval
	if interval <= 0 {
		interval = s.registry.cfg.HeartbeatTimeout / 2
	}
	s.logger.Info("Starting heartbeat sweeper", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	s.logger.Info("Stopping heartbeat sweeper")
	close(s.stop)
}

// Sweep checks every agent once
func (s *Sweeper) Sweep(ctx context.Context) {
	agents, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list agents", zap.Error(err))
		return
	}

	now := s.registry.now()
	for _, agent := range agents {
		age := now.Sub(agent.LastHeartbeat)
		switch {
		case age > s.registry.cfg.PurgeAfter:
			s.purge(ctx, agent)
		case age > s.registry.cfg.HeartbeatTimeout && agent.Status != model.AgentStatusOffline:
			s.probe(ctx, agent)
		}
	}
}

func (s *Sweeper) purge(ctx context.Context, agent *model.Agent) {
	s.writeOff(ctx, agent)
	if err := s.registry.Deregister(ctx, agent.ID); err != nil && !errors.Is(err, ErrAgentNotFound) {
		s.logger.Error("Failed to purge agent", zap.String("agent_id", agent.ID), zap.Error(err))
		return
	}
	s.logger.Warn("Purged silent agent",
		zap.String("agent_id", agent.ID),
		zap.Time("last_heartbeat", agent.LastHeartbeat))
}

func (s *Sweeper) probe(ctx context.Context, agent *model.Agent) {
	if s.prober == nil {
		s.writeOff(ctx, agent)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	status, err := s.prober.CheckHealth(probeCtx, agent)
	cancel()

	switch {
	case err != nil:
		s.logger.Warn("Agent unreachable", zap.String("agent_id", agent.ID), zap.Error(err))
		s.writeOff(ctx, agent)
	case !status.Healthy:
		if _, err := s.registry.SetStatus(ctx, agent.ID, model.AgentStatusError); err != nil {
			s.logger.Debug("Could not mark agent as errored", zap.String("agent_id", agent.ID), zap.Error(err))
			return
		}
		s.logger.Warn("Agent reported unhealthy",
			zap.String("agent_id", agent.ID),
			zap.String("message", status.Message))
	default:
		if _, err := s.registry.Heartbeat(ctx, agent.ID); err != nil {
			s.logger.Error("Failed to refresh agent", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}

// writeOff marks the agent OFFLINE and releases its tasks
func (s *Sweeper) writeOff(ctx context.Context, agent *model.Agent) {
	tasks, err := s.registry.MarkOffline(ctx, agent.ID)
	if err != nil {
		if !errors.Is(err, ErrAgentNotFound) {
			s.logger.Error("Failed to mark agent offline", zap.String("agent_id", agent.ID), zap.Error(err))
		}
		return
	}
	if agent.Status != model.AgentStatusOffline {
		s.logger.Warn("Agent marked offline",
			zap.String("agent_id", agent.ID),
			zap.Int("orphaned_tasks", len(tasks)))
	}
	if len(tasks) > 0 && s.onOffline != nil {
		s.onOffline(ctx, agent.ID, tasks)
	}
}
