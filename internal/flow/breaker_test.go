package flow

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type transitions struct {
	mu   sync.Mutex
	seen []gobreaker.State
}

func (tr *transitions) record(_ string, _, to gobreaker.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seen = append(tr.seen, to)
}

func (tr *transitions) list() []gobreaker.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]gobreaker.State(nil), tr.seen...)
}

func trip(t *testing.T, b *BreakerSet, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		done, err := b.Allow(key)
		require.NoError(t, err)
		done(false)
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	tr := &transitions{}
	b := NewBreakerSet(BreakerConfig{FailureThreshold: 3, Cooldown: 50 * time.Millisecond}, tr.record, zap.NewNop())

	trip(t, b, "agent-1", 3)
	assert.True(t, b.IsOpen("agent-1"))

	_, err := b.Allow("agent-1")
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, ReasonCircuitOpen, RejectionReason(err))

	// Unrelated agents are unaffected
	assert.False(t, b.IsOpen("agent-2"))

	time.Sleep(70 * time.Millisecond)

	probe, err := b.Allow("agent-1")
	require.NoError(t, err, "one probe is let through after the cooldown")

	_, err = b.Allow("agent-1")
	assert.Equal(t, ReasonCircuitOpen, RejectionReason(err), "only one probe at a time")

	probe(true)
	assert.Equal(t, gobreaker.StateClosed, b.State("agent-1"))
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen, gobreaker.StateHalfOpen, gobreaker.StateClosed}, tr.list())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{FailureThreshold: 2, Cooldown: 30 * time.Millisecond}, nil, zap.NewNop())

	trip(t, b, "a", 2)
	time.Sleep(50 * time.Millisecond)

	probe, err := b.Allow("a")
	require.NoError(t, err)
	probe(false)
	assert.True(t, b.IsOpen("a"))
}
