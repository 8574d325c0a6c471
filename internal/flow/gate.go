package flow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
)

// Admission describes a call about to cross the orchestrator/agent boundary
type Admission struct {
	// Caller is the rate-limit key; Target is used when it is empty
	Caller string
	// Target names the breaker and concurrency slot, typically an agent id
	Target string
	// Token is verified when the gate has a verifier
	Token string
}

func (a Admission) rateKey() string {
	if a.Caller != "" {
		return a.Caller
	}
	return a.Target
}

// RejectionObserver is told about every rejection
type RejectionObserver func(reason string)

// GateConfig selects which checks the gate applies
type GateConfig struct {
	Audience    string
	Concurrency ConcurrencyConfig
}

// Gate chains auth, breaker, rate limit and concurrency limit. Any stage
// left nil is skipped.
type Gate struct {
	logger   *zap.Logger
	cfg      GateConfig
	verifier *auth.Verifier
	breakers *BreakerSet
	rate     *RateLimiter
	observe  RejectionObserver

	mu      sync.Mutex
	limits  map[string]*ConcurrencyLimiter
	limited bool
}

// GateOption configures optional gate stages
type GateOption func(*Gate)

// WithVerifier enables token verification
func WithVerifier(v *auth.Verifier) GateOption {
	return func(g *Gate) { g.verifier = v }
}

// WithBreakers enables the per-target breaker stage
func WithBreakers(b *BreakerSet) GateOption {
	return func(g *Gate) { g.breakers = b }
}

// WithRateLimiter enables the per-caller token bucket stage
func WithRateLimiter(r *RateLimiter) GateOption {
	return func(g *Gate) { g.rate = r }
}

// WithConcurrencyLimit enables the per-target gradient concurrency stage
func WithConcurrencyLimit() GateOption {
	return func(g *Gate) { g.limited = true }
}

// WithRejectionObserver registers a hook for rejections
func WithRejectionObserver(fn RejectionObserver) GateOption {
	return func(g *Gate) { g.observe = fn }
}

// NewGate creates an admission gate
func NewGate(cfg GateConfig, logger *zap.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		logger: logger.Named("gate"),
		cfg:    cfg,
		limits: make(map[string]*ConcurrencyLimiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ticket is an admitted call. Done must be called exactly once.
type Ticket struct {
	Claims *auth.Claims

	breakerDone func(bool)
	limiter     *ConcurrencyLimiter
	once        sync.Once
}

// Done reports the outcome of the admitted call
func (t *Ticket) Done(success bool, rtt time.Duration) {
	t.once.Do(func() {
		if t.breakerDone != nil {
			t.breakerDone(success)
		}
		if t.limiter != nil {
			t.limiter.Release(rtt, !success)
		}
	})
}

// Admit runs the admission chain. Rejections are *RejectedError values.
func (g *Gate) Admit(a Admission) (*Ticket, error) {
	ticket := &Ticket{}

	if g.verifier != nil {
		claims, err := g.verifier.Verify(a.Token, g.cfg.Audience)
		if err != nil {
			return nil, g.reject(&RejectedError{Reason: ReasonUnauthorized, Key: a.rateKey(), Err: err})
		}
		ticket.Claims = claims
	}

	// The breaker is checked first but its slot is taken last, so a
	// half-open probe is only spent on a call that will actually run.
	if g.breakers != nil && a.Target != "" && g.breakers.IsOpen(a.Target) {
		return nil, g.reject(&RejectedError{Reason: ReasonCircuitOpen, Key: a.Target})
	}

	if g.rate != nil && !g.rate.Allow(a.rateKey()) {
		return nil, g.reject(&RejectedError{Reason: ReasonRateLimited, Key: a.rateKey()})
	}

	if g.limited {
		limiter := g.limiter(a.Target)
		if !limiter.Acquire() {
			return nil, g.reject(&RejectedError{Reason: ReasonConcurrencyLimited, Key: a.Target})
		}
		ticket.limiter = limiter
	}

	if g.breakers != nil && a.Target != "" {
		done, err := g.breakers.Allow(a.Target)
		if err != nil {
			if ticket.limiter != nil {
				ticket.limiter.Release(0, false)
			}
			return nil, g.reject(err)
		}
		ticket.breakerDone = done
	}

	return ticket, nil
}

func (g *Gate) reject(err error) error {
	reason := RejectionReason(err)
	if g.observe != nil && reason != "" {
		g.observe(reason)
	}
	g.logger.Debug("Admission rejected", zap.String("reason", reason), zap.Error(err))
	return err
}

func (g *Gate) limiter(key string) *ConcurrencyLimiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limits[key]
	if !ok {
		l = NewConcurrencyLimiter(g.cfg.Concurrency)
		g.limits[key] = l
	}
	return l
}

// ConcurrencyLimit returns the current limit for key, or 0 if none exists yet
func (g *Gate) ConcurrencyLimit(key string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limits[key]; ok {
		return l.Limit()
	}
	return 0
}

// RateLimiter returns the gate's rate limiter, which may be nil
func (g *Gate) RateLimiter() *RateLimiter {
	return g.rate
}

// Breakers returns the gate's breaker set, which may be nil
func (g *Gate) Breakers() *BreakerSet {
	return g.breakers
}
