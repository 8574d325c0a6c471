package flow

import (
	"math"
	"sync"
	"time"
)

// ConcurrencyConfig configures the gradient concurrency limiter
type ConcurrencyConfig struct {
	InitialLimit float64 `mapstructure:"initial_limit"`
	MinLimit     float64 `mapstructure:"min_limit"`
	MaxLimit     float64 `mapstructure:"max_limit"`
	Smoothing    float64 `mapstructure:"smoothing"`
	// RTTAlpha is the EMA weight of a new no-load sample
	RTTAlpha float64 `mapstructure:"rtt_alpha"`
	// LowLatencyTolerance marks a sample as no-load when rtt <= tolerance*rtt_noload
	LowLatencyTolerance float64 `mapstructure:"low_latency_tolerance"`
	MinGradient         float64 `mapstructure:"min_gradient"`
	MaxGradient         float64 `mapstructure:"max_gradient"`
	GradientStep        float64 `mapstructure:"gradient_step"`
	GradientBackoff     float64 `mapstructure:"gradient_backoff"`
}

// DefaultConcurrencyConfig returns conservative defaults
func DefaultConcurrencyConfig() ConcurrencyConfig {
	return ConcurrencyConfig{
		InitialLimit:        20,
		MinLimit:            1,
		MaxLimit:            200,
		Smoothing:           0.2,
		RTTAlpha:            0.1,
		LowLatencyTolerance: 1.1,
		MinGradient:         0.5,
		MaxGradient:         1.5,
		GradientStep:        0.01,
		GradientBackoff:     0.9,
	}
}

// ConcurrencyLimiter bounds in-flight requests with a limit that follows
//
//	limit' = s*g*(limit*rtt_noload/rtt) + (1-s)*limit
//
// clamped to [MinLimit, MaxLimit]. The gradient g shrinks multiplicatively on
// every drop and creeps up by GradientStep on every successful sample.
type ConcurrencyLimiter struct {
	mu        sync.Mutex
	cfg       ConcurrencyConfig
	limit     float64
	gradient  float64
	rttNoLoad float64
	inflight  int
}

// NewConcurrencyLimiter creates a limiter, filling zero fields from the defaults
func NewConcurrencyLimiter(cfg ConcurrencyConfig) *ConcurrencyLimiter {
	def := DefaultConcurrencyConfig()
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = def.InitialLimit
	}
	if cfg.MinLimit <= 0 {
		cfg.MinLimit = def.MinLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.RTTAlpha <= 0 || cfg.RTTAlpha > 1 {
		cfg.RTTAlpha = def.RTTAlpha
	}
	if cfg.LowLatencyTolerance < 1 {
		cfg.LowLatencyTolerance = def.LowLatencyTolerance
	}
	if cfg.MinGradient <= 0 {
		cfg.MinGradient = def.MinGradient
	}
	if cfg.MaxGradient < cfg.MinGradient {
		cfg.MaxGradient = def.MaxGradient
	}
	if cfg.GradientStep <= 0 {
		cfg.GradientStep = def.GradientStep
	}
	if cfg.GradientBackoff <= 0 || cfg.GradientBackoff >= 1 {
		cfg.GradientBackoff = def.GradientBackoff
	}

	return &ConcurrencyLimiter{
		cfg:      cfg,
		limit:    clamp(cfg.InitialLimit, cfg.MinLimit, cfg.MaxLimit),
		gradient: 1,
	}
}

// Acquire reserves a slot. A refusal counts as a drop.
func (c *ConcurrencyLimiter) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if float64(c.inflight) >= math.Floor(c.limit) {
		c.dropLocked()
		return false
	}
	c.inflight++
	return true
}

// Release frees a slot and feeds the observed round trip into the limit.
// dropped marks a request that failed or timed out downstream.
func (c *ConcurrencyLimiter) Release(rtt time.Duration, dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight > 0 {
		c.inflight--
	}
	if dropped {
		c.dropLocked()
		return
	}
	if rtt <= 0 {
		return
	}
	c.sampleLocked(rtt.Seconds())
}

func (c *ConcurrencyLimiter) sampleLocked(rtt float64) {
	switch {
	case c.rttNoLoad == 0:
		c.rttNoLoad = rtt
	case rtt <= c.rttNoLoad*c.cfg.LowLatencyTolerance:
		c.rttNoLoad = c.cfg.RTTAlpha*rtt + (1-c.cfg.RTTAlpha)*c.rttNoLoad
	}

	c.gradient = math.Min(c.gradient+c.cfg.GradientStep, c.cfg.MaxGradient)
	c.updateLocked(c.rttNoLoad / rtt)
}

func (c *ConcurrencyLimiter) dropLocked() {
	c.gradient = math.Max(c.gradient*c.cfg.GradientBackoff, c.cfg.MinGradient)
	c.updateLocked(1)
}

func (c *ConcurrencyLimiter) updateLocked(rttRatio float64) {
	s := c.cfg.Smoothing
	next := s*c.gradient*(c.limit*rttRatio) + (1-s)*c.limit
	c.limit = clamp(next, c.cfg.MinLimit, c.cfg.MaxLimit)
}

// Limit returns the current limit
func (c *ConcurrencyLimiter) Limit() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Inflight returns the number of held slots
func (c *ConcurrencyLimiter) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// NoLoadRTT returns the current no-load round-trip estimate
func (c *ConcurrencyLimiter) NoLoadRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rttNoLoad * float64(time.Second))
}

// SetBounds changes the clamp range
func (c *ConcurrencyLimiter) SetBounds(min, max float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if min > 0 {
		c.cfg.MinLimit = min
	}
	if max >= c.cfg.MinLimit {
		c.cfg.MaxLimit = max
	}
	c.limit = clamp(c.limit, c.cfg.MinLimit, c.cfg.MaxLimit)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
