// Package scaler decides how the control loop's concurrency and cadence
// should move given current pressure.
package scaler

import (
	"fmt"
	"math"

	"autopilot/internal/domain"
)

// Pressure thresholds.
const (
	ScaleUpThreshold   = 0.35
	ScaleDownThreshold = -0.15
)

// Evaluate is pure: it clamps state, computes pressure from m, and returns the
// next state.
func Evaluate(m domain.ScalingMetrics, state domain.ScalingState) domain.ScalingDecision {
	state = state.Clamp()

	latency := clamp01(m.AvgLatencyMs / 2000)
	backlog := clamp01(float64(m.BacklogSize) / 100)
	trustPenalty := clamp01((100 - m.TrustScore) / 100)
	success := clamp01(m.SuccessRate)
	pressure := 0.35*latency + 0.40*backlog + 0.15*trustPenalty - 0.20*success

	terms := fmt.Sprintf("latency=%.2f backlog=%.2f trustPenalty=%.2f success=%.2f", latency, backlog, trustPenalty, success)
	next := state
	var action domain.ScalingAction
	var reason string
	switch {
	case pressure > ScaleUpThreshold:
		action = domain.ScaleUp
		next.Concurrency = state.Concurrency + 1
		next.IntervalMs = int(math.Round(float64(state.IntervalMs) * 0.8))
		reason = fmt.Sprintf("pressure %.3f above %.2f (%s)", pressure, ScaleUpThreshold, terms)
	case pressure < ScaleDownThreshold:
		action = domain.ScaleDown
		next.Concurrency = state.Concurrency - 1
		next.IntervalMs = int(math.Round(float64(state.IntervalMs) * 1.2))
		reason = fmt.Sprintf("pressure %.3f below %.2f (%s)", pressure, ScaleDownThreshold, terms)
	default:
		action = domain.ScaleSteady
		reason = fmt.Sprintf("pressure %.3f within band (%s)", pressure, terms)
	}

	return domain.ScalingDecision{
		Action:   action,
		State:    next.Clamp(),
		Pressure: pressure,
		Reason:   reason,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}
