package domain

import (
	"context"
	"time"
)

// LoopTelemetry is one control loop sample.
type LoopTelemetry struct {
	Timestamp    time.Time `json:"timestamp"`
	Load         float64   `json:"load"`
	BacklogSize  int       `json:"backlogSize"`
	TrustScore   float64   `json:"trustScore"`
	SuccessRate  float64   `json:"successRate"`
	ErrorRate    float64   `json:"errorRate"`
	AvgLatencyMs float64   `json:"avgLatencyMs"`
}

// ObservabilityMetric is a route-level latency/error sample supplied by the
// surrounding product.
type ObservabilityMetric struct {
	Route      string    `json:"route"`
	P50Ms      float64   `json:"p50Ms"`
	P95Ms      float64   `json:"p95Ms"`
	P99Ms      float64   `json:"p99Ms"`
	ErrorRate  float64   `json:"errorRate"`
	SampleSize int       `json:"sampleSize"`
	RecordedAt time.Time `json:"recordedAt"`
}

// MetricsSource yields recent observability metrics.
type MetricsSource interface {
	RecentMetrics(ctx context.Context, since time.Time) ([]ObservabilityMetric, error)
}

// MetricsSink accepts observability metrics from external callers.
type MetricsSink interface {
	RecordMetric(ctx context.Context, m ObservabilityMetric) error
}
