package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FederationEventType identifies a cross-tenant message.
type FederationEventType string

const (
	FederationTelemetrySync  FederationEventType = "telemetry_sync"
	FederationPriorityShare  FederationEventType = "priority_share"
	FederationTrustAggregate FederationEventType = "trust_aggregate"
	FederationModelUpdate    FederationEventType = "model_update"
)

// Valid reports whether t is a known federation event type.
func (t FederationEventType) Valid() bool {
	switch t {
	case FederationTelemetrySync, FederationPriorityShare, FederationTrustAggregate, FederationModelUpdate:
		return true
	}
	return false
}

// NetworkHealth classifies the federation as a whole.
type NetworkHealth string

const (
	NetworkHealthy  NetworkHealth = "healthy"
	NetworkDegraded NetworkHealth = "degraded"
	NetworkCritical NetworkHealth = "critical"
)

// AggregatedPriority is one agent's weight as shared between tenants.
type AggregatedPriority struct {
	Agent      AgentID `json:"agent"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// FederationPayload is the sum type of federation payloads.
type FederationPayload interface {
	FederationType() FederationEventType
	isFederationPayload()
}

// TelemetrySyncPayload shares a tenant's local trust and priorities.
type TelemetrySyncPayload struct {
	TrustScore    float64              `json:"trustScore"`
	SyncLatencyMs float64              `json:"syncLatencyMs,omitempty"`
	Priorities    []AggregatedPriority `json:"priorities,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// PrioritySharePayload shares aggregated priorities.
type PrioritySharePayload struct {
	Priorities []AggregatedPriority `json:"priorities"`
	Rationale  string               `json:"rationale,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
}

// TrustAggregatePayload reports network-wide trust statistics.
type TrustAggregatePayload struct {
	Participants  int            `json:"participants"`
	AverageTrust  float64        `json:"averageTrust"`
	HighestTrust  float64        `json:"highestTrust"`
	LowestTrust   float64        `json:"lowestTrust"`
	NetworkHealth NetworkHealth  `json:"networkHealth"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ModelUpdatePayload records that a tenant applied a new global view.
type ModelUpdatePayload struct {
	AppliedAt time.Time      `json:"appliedAt"`
	Notes     string         `json:"notes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (TelemetrySyncPayload) FederationType() FederationEventType  { return FederationTelemetrySync }
func (PrioritySharePayload) FederationType() FederationEventType  { return FederationPriorityShare }
func (TrustAggregatePayload) FederationType() FederationEventType { return FederationTrustAggregate }
func (ModelUpdatePayload) FederationType() FederationEventType    { return FederationModelUpdate }

func (TelemetrySyncPayload) isFederationPayload()  {}
func (PrioritySharePayload) isFederationPayload()  {}
func (TrustAggregatePayload) isFederationPayload() {}
func (ModelUpdatePayload) isFederationPayload()    {}

// FederationEvent is a signed cross-tenant message.
type FederationEvent struct {
	ID        string
	Type      FederationEventType
	TenantID  string
	Timestamp time.Time
	Signature string
	Payload   FederationPayload

	// raw holds the payload bytes exactly as received so signatures are
	// verified over what the peer signed.
	raw json.RawMessage
}

type wireFederationEvent struct {
	ID        string              `json:"id"`
	Type      FederationEventType `json:"type"`
	TenantID  string              `json:"tenantId"`
	Timestamp time.Time           `json:"timestamp"`
	Signature string              `json:"signature"`
	Payload   json.RawMessage     `json:"payload"`
}

// PayloadBytes returns the compact JSON of the payload: the received bytes
// when the event was decoded from the wire, otherwise a fresh encoding.
func (e *FederationEvent) PayloadBytes() (json.RawMessage, error) {
	if len(e.raw) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.raw); err != nil {
			return nil, fmt.Errorf("%w: compact payload: %v", ErrInvalidEvent, err)
		}
		return buf.Bytes(), nil
	}
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	return json.Marshal(e.Payload)
}

// MarshalJSON encodes the event in the federation wire format.
func (e FederationEvent) MarshalJSON() ([]byte, error) {
	raw, err := e.PayloadBytes()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFederationEvent{
		ID:        e.ID,
		Type:      e.Type,
		TenantID:  e.TenantID,
		Timestamp: e.Timestamp,
		Signature: e.Signature,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes the wire format, dispatching the payload on "type".
func (e *FederationEvent) UnmarshalJSON(data []byte) error {
	var w wireFederationEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	payload, err := DecodeFederationPayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = FederationEvent{
		ID:        w.ID,
		Type:      w.Type,
		TenantID:  w.TenantID,
		Timestamp: w.Timestamp,
		Signature: w.Signature,
		Payload:   payload,
		raw:       append(json.RawMessage(nil), w.Payload...),
	}
	return nil
}

// DecodeFederationPayload decodes raw into the payload variant for t.
func DecodeFederationPayload(t FederationEventType, raw json.RawMessage) (FederationPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing payload for %q", ErrInvalidEvent, t)
	}
	var (
		payload FederationPayload
		err     error
	)
	switch t {
	case FederationTelemetrySync:
		var p TelemetrySyncPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case FederationPriorityShare:
		var p PrioritySharePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case FederationTrustAggregate:
		var p TrustAggregatePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case FederationModelUpdate:
		var p ModelUpdatePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: unknown federation event type %q", ErrInvalidEvent, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEvent, t, err)
	}
	return payload, nil
}

// FederationSnapshot is the latest known state of one tenant. TrustScore is
// nil until the tenant has sent telemetry.
type FederationSnapshot struct {
	TenantID      string               `json:"tenantId"`
	TrustScore    *float64             `json:"trustScore,omitempty"`
	SyncLatencyMs *float64             `json:"syncLatencyMs,omitempty"`
	Priorities    []AggregatedPriority `json:"priorities"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// EndpointHealth is the delivery health of one federation peer.
type EndpointHealth struct {
	Endpoint      string    `json:"endpoint"`
	Healthy       bool      `json:"healthy"`
	LastLatencyMs float64   `json:"lastLatencyMs"`
	LastError     string    `json:"lastError,omitempty"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	BreakerState  string    `json:"breakerState"`
}

// GlobalInsightInput is what the federation agent hands to the insight calculator.
type GlobalInsightInput struct {
	Snapshots        []FederationSnapshot
	AverageLatencyMs float64
}

// GlobalInsight is the network-wide view derived from all snapshots.
type GlobalInsight struct {
	Participants     int           `json:"participants"`
	AverageTrust     float64       `json:"averageTrust"`
	HighestTrust     float64       `json:"highestTrust"`
	LowestTrust      float64       `json:"lowestTrust"`
	AverageLatencyMs float64       `json:"averageLatencyMs"`
	NetworkHealth    NetworkHealth `json:"networkHealth"`
}

// InsightCalculator classifies the federation. It is pluggable so deployments
// can swap the thresholds.
type InsightCalculator interface {
	Analyze(ctx context.Context, in GlobalInsightInput) (GlobalInsight, error)
}
