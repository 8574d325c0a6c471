package registry

import (
	"math"
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Penalty weights of the health score
const (
	loadWeight      = 0.3
	cpuWeight       = 0.2
	memoryWeight    = 0.2
	queueWeight     = 0.1
	stalenessWeight = 0.2

	// queueSaturation is the queue depth that earns the full queue penalty
	queueSaturation = 10.0
)

// HealthScore rates an agent in [0,1] from its reported load, resource
// usage, queue depth and heartbeat age. Staleness grows linearly until
// staleAfter, where it earns the full penalty.
func HealthScore(a *model.Agent, now time.Time, staleAfter time.Duration) float64 {
	staleness := 0.0
	if staleAfter > 0 && !a.LastHeartbeat.IsZero() {
		staleness = math.Min(float64(now.Sub(a.LastHeartbeat))/float64(staleAfter), 1)
		staleness = math.Max(staleness, 0)
	}

	penalty := clamp01(a.Load)*loadWeight +
		clamp01(a.CPUUsage/100)*cpuWeight +
		clamp01(a.MemoryUsage/100)*memoryWeight +
		math.Min(float64(a.QueuedTasks)/queueSaturation, 1)*queueWeight +
		staleness*stalenessWeight

	return clamp01(1 - penalty)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Rolling statistic weights
const (
	performanceDecay = 0.8
	errorRateDecay   = 0.9
	durationAlpha    = 0.2
)

// recordOutcome folds one task outcome into the agent's rolling statistics
func recordOutcome(a *model.Agent, success bool, duration time.Duration) {
	ok, failed := 0.0, 1.0
	if success {
		ok, failed = 1.0, 0.0
	}
	a.PerformanceScore = performanceDecay*a.PerformanceScore + (1-performanceDecay)*ok
	a.ErrorRate = errorRateDecay*a.ErrorRate + (1-errorRateDecay)*failed

	if success && duration > 0 {
		if a.AvgDuration == 0 {
			a.AvgDuration = duration
		} else {
			a.AvgDuration = time.Duration(durationAlpha*float64(duration) + (1-durationAlpha)*float64(a.AvgDuration))
		}
		a.CompletedCount++
	}
}
