package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the per-agent circuit breakers
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// StateListener is told about every breaker transition
type StateListener func(key string, from, to gobreaker.State)

// BreakerSet holds one two-step breaker per agent. A breaker opens after
// FailureThreshold consecutive failures, stays open for Cooldown and then
// lets exactly one probe through.
type BreakerSet struct {
	logger   *zap.Logger
	cfg      BreakerConfig
	listener StateListener

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerSet creates an empty breaker set. listener may be nil.
func NewBreakerSet(cfg BreakerConfig, listener StateListener, logger *zap.Logger) *BreakerSet {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &BreakerSet{
		logger:   logger.Named("breakers"),
		cfg:      cfg,
		listener: listener,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (b *BreakerSet) get(key string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}

	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("Breaker state changed",
				zap.String("key", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if b.listener != nil {
				b.listener(name, from, to)
			}
		},
	})
	b.breakers[key] = cb
	return cb
}

// Allow asks the breaker for key whether a call may proceed. On success
// the caller must report the outcome through done.
func (b *BreakerSet) Allow(key string) (done func(success bool), err error) {
	done, err = b.get(key).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RejectedError{Reason: ReasonCircuitOpen, Key: key, Err: err}
		}
		return nil, err
	}
	return done, nil
}

// State returns the breaker state for key
func (b *BreakerSet) State(key string) gobreaker.State {
	return b.get(key).State()
}

// IsOpen reports whether calls to key are currently refused outright
func (b *BreakerSet) IsOpen(key string) bool {
	return b.State(key) == gobreaker.StateOpen
}

// Remove forgets the breaker for key
func (b *BreakerSet) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, key)
}
