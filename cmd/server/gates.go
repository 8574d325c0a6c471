package main

import (
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/config"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
)

// gates holds the two admission chains of the control plane. Dispatch
// guards calls into agents: rate per dispatcher, then breaker and
// concurrency per agent. The registry API guards calls from agents: token,
// then rate per agent. Agents verify the dispatcher's token on their side.
type gates struct {
	dispatch     *flow.Gate
	api          *flow.Gate
	dispatchRate *flow.RateLimiter
	apiRate      *flow.RateLimiter
}

func newGates(cfg config.FlowConfig, verifier *auth.Verifier, breakers *flow.BreakerSet, observe flow.RejectionObserver, logger *zap.Logger) *gates {
	g := &gates{
		dispatchRate: flow.NewRateLimiter(cfg.DispatchRateLimit),
		apiRate:      flow.NewRateLimiter(cfg.RateLimit),
	}

	dispatchOpts := []flow.GateOption{
		flow.WithBreakers(breakers),
		flow.WithRateLimiter(g.dispatchRate),
		flow.WithRejectionObserver(observe),
	}
	if cfg.ConcurrencyLimit {
		dispatchOpts = append(dispatchOpts, flow.WithConcurrencyLimit())
	}
	g.dispatch = flow.NewGate(flow.GateConfig{Concurrency: cfg.Concurrency}, logger, dispatchOpts...)

	g.api = flow.NewGate(flow.GateConfig{Audience: auth.AudienceOrchestrator}, logger,
		flow.WithVerifier(verifier),
		flow.WithRateLimiter(g.apiRate),
		flow.WithRejectionObserver(observe),
	)
	return g
}

// setLimits applies reloaded rate limits
func (g *gates) setLimits(cfg config.FlowConfig) {
	g.apiRate.SetLimits(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	g.dispatchRate.SetLimits(cfg.DispatchRateLimit.Capacity, cfg.DispatchRateLimit.RefillRate)
}
