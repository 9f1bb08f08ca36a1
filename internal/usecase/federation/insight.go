package federation

import (
	"context"

	"autopilot/internal/domain"
)

// ThresholdInsight classifies the network by average trust and latency.
type ThresholdInsight struct {
	HealthyTrust      float64
	HealthyLatencyMs  float64
	CriticalTrust     float64
	CriticalLatencyMs float64
}

// DefaultInsight is healthy at trust >= 70 and latency <= 1s, critical below
// trust 40 or above 5s.
func DefaultInsight() ThresholdInsight {
	return ThresholdInsight{
		HealthyTrust:      70,
		HealthyLatencyMs:  1000,
		CriticalTrust:     40,
		CriticalLatencyMs: 5000,
	}
}

// Analyze implements domain.InsightCalculator. Only tenants that have
// reported trust count as participants; a tenant known solely from a
// priority_share has no trust to average.
func (t ThresholdInsight) Analyze(_ context.Context, in domain.GlobalInsightInput) (domain.GlobalInsight, error) {
	out := domain.GlobalInsight{AverageLatencyMs: in.AverageLatencyMs}

	var sum float64
	for _, s := range in.Snapshots {
		if s.TrustScore == nil {
			continue
		}
		trust := *s.TrustScore
		if out.Participants == 0 {
			out.HighestTrust, out.LowestTrust = trust, trust
		}
		out.Participants++
		sum += trust
		out.HighestTrust = max(out.HighestTrust, trust)
		out.LowestTrust = min(out.LowestTrust, trust)
	}
	if out.Participants == 0 {
		out.NetworkHealth = domain.NetworkCritical
		return out, nil
	}
	out.AverageTrust = sum / float64(out.Participants)

	switch {
	case out.AverageTrust < t.CriticalTrust || out.AverageLatencyMs > t.CriticalLatencyMs:
		out.NetworkHealth = domain.NetworkCritical
	case out.AverageTrust >= t.HealthyTrust && out.AverageLatencyMs <= t.HealthyLatencyMs:
		out.NetworkHealth = domain.NetworkHealthy
	default:
		out.NetworkHealth = domain.NetworkDegraded
	}
	return out, nil
}

var _ domain.InsightCalculator = ThresholdInsight{}
