package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
)

func TestGate_Chain(t *testing.T) {
	rejections := map[string]int{}
	breakers := NewBreakerSet(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil, zap.NewNop())
	gate := NewGate(GateConfig{Concurrency: ConcurrencyConfig{InitialLimit: 1, MinLimit: 1, MaxLimit: 1}}, zap.NewNop(),
		WithBreakers(breakers),
		WithRateLimiter(NewRateLimiter(RateLimiterConfig{Capacity: 3, RefillRate: 0.001})),
		WithConcurrencyLimit(),
		WithRejectionObserver(func(reason string) { rejections[reason]++ }),
	)

	ticket, err := gate.Admit(Admission{Caller: "dispatcher", Target: "agent-1"})
	require.NoError(t, err)

	_, err = gate.Admit(Admission{Caller: "dispatcher", Target: "agent-1"})
	assert.Equal(t, ReasonConcurrencyLimited, RejectionReason(err))

	ticket.Done(false, 0)
	ticket.Done(false, 0) // second call is a no-op
	assert.True(t, breakers.IsOpen("agent-1"))

	_, err = gate.Admit(Admission{Caller: "dispatcher", Target: "agent-1"})
	assert.Equal(t, ReasonCircuitOpen, RejectionReason(err))

	ticket, err = gate.Admit(Admission{Caller: "dispatcher", Target: "agent-2"})
	require.NoError(t, err)
	ticket.Done(true, time.Millisecond)

	_, err = gate.Admit(Admission{Caller: "dispatcher", Target: "agent-2"})
	assert.Equal(t, ReasonRateLimited, RejectionReason(err))

	assert.Equal(t, 1, rejections[ReasonConcurrencyLimited])
	assert.Equal(t, 1, rejections[ReasonCircuitOpen])
	assert.Equal(t, 1, rejections[ReasonRateLimited])
}

func TestGate_Unauthorized(t *testing.T) {
	issuer, err := auth.NewIssuer("k", "orch")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("k", "orch")
	require.NoError(t, err)

	gate := NewGate(GateConfig{Audience: auth.AudienceOrchestrator}, zap.NewNop(), WithVerifier(verifier))

	_, err = gate.Admit(Admission{Caller: "agent-1", Token: "garbage"})
	assert.Equal(t, ReasonUnauthorized, RejectionReason(err))

	token, err := issuer.Issue("agent-1", []string{"code"}, auth.AudienceOrchestrator, time.Minute)
	require.NoError(t, err)
	ticket, err := gate.Admit(Admission{Caller: "agent-1", Token: token})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", ticket.Claims.Identity())
	ticket.Done(true, 0)
}
