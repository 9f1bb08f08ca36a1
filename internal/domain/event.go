package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of event carried on the orchestration stream.
type EventType string

const (
	EventRecommendation EventType = "recommendation"
	EventEvaluation     EventType = "evaluation"
	EventPolicyUpdate   EventType = "policy_update"
	EventInsightReport  EventType = "insight_report"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRecommendation, EventEvaluation, EventPolicyUpdate, EventInsightReport:
		return true
	}
	return false
}

// EventPayload is the sum type of all event payloads. Each variant reports
// the EventType it belongs to; the set is closed by the unexported marker.
type EventPayload interface {
	EventType() EventType
	isEventPayload()
}

// RecommendationPayload announces a new optimization recommendation.
type RecommendationPayload struct {
	RecommendationID string  `json:"recommendationId"`
	Route            string  `json:"route,omitempty"`
	Action           string  `json:"action"`
	Confidence       float64 `json:"confidence"`
	Rationale        string  `json:"rationale,omitempty"`
}

// EvaluationOutcome is the lifecycle result of a recommendation.
type EvaluationOutcome string

const (
	OutcomeApplied    EvaluationOutcome = "applied"
	OutcomeRejected   EvaluationOutcome = "rejected"
	OutcomeRolledBack EvaluationOutcome = "rolled_back"
)

// EvaluationPayload reports how a recommendation fared.
type EvaluationPayload struct {
	RecommendationID string            `json:"recommendationId"`
	Outcome          EvaluationOutcome `json:"outcome"`
	Score            *float64          `json:"score,omitempty"`
	Notes            string            `json:"notes,omitempty"`
}

// PolicyUpdatePayload carries a governance decision from the policy oracle.
type PolicyUpdatePayload struct {
	PolicyID string         `json:"policyId"`
	Decision PolicyDecision `json:"decision"`
	Reasons  []string       `json:"reasons,omitempty"`
}

// InsightReportPayload is a human-readable summary with optional numeric facts.
type InsightReportPayload struct {
	Summary string             `json:"summary"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func (RecommendationPayload) EventType() EventType { return EventRecommendation }
func (EvaluationPayload) EventType() EventType     { return EventEvaluation }
func (PolicyUpdatePayload) EventType() EventType   { return EventPolicyUpdate }
func (InsightReportPayload) EventType() EventType  { return EventInsightReport }

func (RecommendationPayload) isEventPayload() {}
func (EvaluationPayload) isEventPayload()     {}
func (PolicyUpdatePayload) isEventPayload()   {}
func (InsightReportPayload) isEventPayload()  {}

// Event is the message appended to the orchestration stream.
type Event struct {
	TraceID   string
	Type      EventType
	Source    AgentID
	Target    AgentID // empty = broadcast
	Priority  int
	Timestamp time.Time
	Payload   EventPayload
}

// EventInput is what callers hand to the orchestrator. Zero values are
// filled in: TraceID gets a fresh ULID, Timestamp gets now, Priority gets the
// source agent's static priority. The event type is taken from the payload.
type EventInput struct {
	TraceID   string
	Source    AgentID
	Target    AgentID
	Priority  int
	Timestamp time.Time
	Payload   EventPayload
}

// wireEvent is the JSON form of Event.
type wireEvent struct {
	TraceID   string          `json:"traceId"`
	Type      EventType       `json:"type"`
	Source    AgentID         `json:"source"`
	Target    AgentID         `json:"target,omitempty"`
	Priority  int             `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with its payload nested under "payload".
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		raw = b
	}
	return json.Marshal(wireEvent{
		TraceID:   e.TraceID,
		Type:      e.Type,
		Source:    e.Source,
		Target:    e.Target,
		Priority:  e.Priority,
		Timestamp: e.Timestamp,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload on "type".
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	payload, err := DecodeEventPayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		TraceID:   w.TraceID,
		Type:      w.Type,
		Source:    w.Source,
		Target:    w.Target,
		Priority:  w.Priority,
		Timestamp: w.Timestamp,
		Payload:   payload,
	}
	return nil
}

// RawEventPayload extracts the type and raw payload bytes of an encoded event
// without decoding the payload.
func RawEventPayload(data []byte) (EventType, json.RawMessage, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return w.Type, w.Payload, nil
}

// DecodeEventPayload decodes raw into the payload variant for t.
func DecodeEventPayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing payload for %q", ErrInvalidEvent, t)
	}
	var (
		payload EventPayload
		err     error
	)
	switch t {
	case EventRecommendation:
		var p RecommendationPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventEvaluation:
		var p EvaluationPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventPolicyUpdate:
		var p PolicyUpdatePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventInsightReport:
		var p InsightReportPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEvent, t, err)
	}
	return payload, nil
}
