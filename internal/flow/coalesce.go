package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CoalesceConfig configures request coalescing
type CoalesceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Size bounds the number of remembered results
	Size int `mapstructure:"size"`
	// Window is how long a result is served to identical late requests.
	// Zero only merges requests that are in flight together.
	Window time.Duration `mapstructure:"window"`
}

// Coalescer shares one execution among identical concurrent requests. A
// successful result is also served to identical requests arriving within
// the window after it completed.
type Coalescer[V any] struct {
	group  singleflight.Group
	recent *expirable.LRU[string, V]
}

// NewCoalescer creates a coalescer remembering up to size results for window
func NewCoalescer[V any](size int, window time.Duration) *Coalescer[V] {
	if size <= 0 {
		size = 1024
	}
	c := &Coalescer[V]{}
	if window > 0 {
		c.recent = expirable.NewLRU[string, V](size, nil, window)
	}
	return c
}

// CoalescerFor returns a coalescer for cfg, or nil when it is disabled
func CoalescerFor[V any](cfg CoalesceConfig) *Coalescer[V] {
	if !cfg.Enabled {
		return nil
	}
	return NewCoalescer[V](cfg.Size, cfg.Window)
}

// CoalesceKey identifies a request by caller, method and payload hash
func CoalesceKey(caller, method string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return caller + "|" + method + "|" + hex.EncodeToString(sum[:])
}

// Do runs fn once per key. shared reports whether the value came from
// another caller's execution.
func (c *Coalescer[V]) Do(key string, fn func() (V, error)) (V, bool, error) {
	if c.recent != nil {
		if v, ok := c.recent.Get(key); ok {
			return v, true, nil
		}
	}
	return c.run(key, fn, c.recent != nil)
}

// DoInFlight merges fn only with identical calls running at the same time.
// Nothing is remembered, so it suits calls with side effects.
func (c *Coalescer[V]) DoInFlight(key string, fn func() (V, error)) (V, bool, error) {
	return c.run(key, fn, false)
}

func (c *Coalescer[V]) run(key string, fn func() (V, error), remember bool) (V, bool, error) {
	executed := false
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		executed = true
		res, err := fn()
		if err == nil && remember {
			c.recent.Add(key, res)
		}
		return res, err
	})

	var zero V
	if err != nil {
		return zero, shared && !executed, err
	}
	res, _ := v.(V)
	return res, shared && !executed, nil
}
