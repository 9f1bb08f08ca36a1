package domain

import "time"

// Scaling bounds.
const (
	MinConcurrency = 1
	MaxConcurrency = 6
	MinIntervalMs  = 60_000
	MaxIntervalMs  = 900_000
)

// ScalingState is the control loop's concurrency and cadence.
type ScalingState struct {
	Concurrency int `json:"concurrency"`
	IntervalMs  int `json:"intervalMs"`
}

// Clamp returns s with both fields forced into their bounds.
func (s ScalingState) Clamp() ScalingState {
	s.Concurrency = min(max(s.Concurrency, MinConcurrency), MaxConcurrency)
	s.IntervalMs = min(max(s.IntervalMs, MinIntervalMs), MaxIntervalMs)
	return s
}

// Interval returns IntervalMs as a time.Duration.
func (s ScalingState) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// ScalingMetrics feed the adaptive scaler.
type ScalingMetrics struct {
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	BacklogSize  int     `json:"backlogSize"`
	TrustScore   float64 `json:"trustScore"`
	SuccessRate  float64 `json:"successRate"`
}

// ScalingAction is the scaler's verdict.
type ScalingAction string

const (
	ScaleUp     ScalingAction = "scale_up"
	ScaleSteady ScalingAction = "steady"
	ScaleDown   ScalingAction = "scale_down"
)

// ScalingDecision is the scaler's full output.
type ScalingDecision struct {
	Action   ScalingAction `json:"action"`
	State    ScalingState  `json:"state"`
	Pressure float64       `json:"pressure"`
	Reason   string        `json:"reason"`
}
