package flow

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimiterConfig configures the per-caller token buckets
type RateLimiterConfig struct {
	Capacity   int           `mapstructure:"capacity"`
	RefillRate float64       `mapstructure:"refill_rate"`
	MaxCallers int           `mapstructure:"max_callers"`
	IdleTTL    time.Duration `mapstructure:"idle_ttl"`
}

// RateLimiter keeps one token bucket per caller. A request takes one token
// and is rejected at once when the bucket is empty; nothing is queued.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      RateLimiterConfig
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter table bounded to cfg.MaxCallers entries
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxCallers <= 0 {
		cfg.MaxCallers = 4096
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:      cfg,
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxCallers, nil, cfg.IdleTTL),
	}
}

func (r *RateLimiter) limiter(caller string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters.Get(caller); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(r.cfg.RefillRate), r.cfg.Capacity)
	r.limiters.Add(caller, l)
	return l
}

// Allow takes a token for caller now
func (r *RateLimiter) Allow(caller string) bool {
	return r.AllowAt(caller, time.Now())
}

// AllowAt takes a token for caller as of t
func (r *RateLimiter) AllowAt(caller string, t time.Time) bool {
	return r.limiter(caller).AllowN(t, 1)
}

// SetLimits changes capacity and refill rate for existing and future callers
func (r *RateLimiter) SetLimits(capacity int, refillRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.Capacity = capacity
	r.cfg.RefillRate = refillRate
	for _, l := range r.limiters.Values() {
		l.SetBurst(capacity)
		l.SetLimit(rate.Limit(refillRate))
	}
}
