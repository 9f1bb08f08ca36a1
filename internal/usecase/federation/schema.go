package federation

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"autopilot/internal/domain"
)

const prioritySchema = `{
	"type": "object",
	"required": ["agent", "weight"],
	"properties": {
		"agent": {"type": "string", "enum": ["governance", "optimizer", "learning", "insight", "federation"]},
		"weight": {"type": "number", "minimum": 0, "maximum": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string"}
	}
}`

var payloadSchemas = map[domain.FederationEventType]string{
	domain.FederationTelemetrySync: `{
		"type": "object",
		"required": ["trustScore"],
		"properties": {
			"trustScore": {"type": "number", "minimum": 0, "maximum": 100},
			"syncLatencyMs": {"type": "number", "minimum": 0},
			"priorities": {"type": "array", "items": ` + prioritySchema + `},
			"metadata": {"type": "object"}
		}
	}`,
	domain.FederationPriorityShare: `{
		"type": "object",
		"required": ["priorities"],
		"properties": {
			"priorities": {"type": "array", "items": ` + prioritySchema + `},
			"rationale": {"type": "string"},
			"metadata": {"type": "object"}
		}
	}`,
	domain.FederationTrustAggregate: `{
		"type": "object",
		"required": ["participants", "averageTrust", "highestTrust", "lowestTrust", "networkHealth"],
		"properties": {
			"participants": {"type": "integer", "minimum": 0},
			"averageTrust": {"type": "number", "minimum": 0, "maximum": 100},
			"highestTrust": {"type": "number", "minimum": 0, "maximum": 100},
			"lowestTrust": {"type": "number", "minimum": 0, "maximum": 100},
			"networkHealth": {"type": "string", "enum": ["healthy", "degraded", "critical"]},
			"metadata": {"type": "object"}
		}
	}`,
	domain.FederationModelUpdate: `{
		"type": "object",
		"required": ["appliedAt"],
		"properties": {
			"appliedAt": {"type": "string", "minLength": 1},
			"notes": {"type": "string"},
			"metadata": {"type": "object"}
		}
	}`,
}

// schemaSet validates federation payloads by event type.
type schemaSet map[domain.FederationEventType]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	set := make(schemaSet, len(payloadSchemas))
	for t, src := range payloadSchemas {
		s, err := compiler.Compile([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", t, err)
		}
		set[t] = s
	}
	return set, nil
}

// validate checks doc, a decoded JSON value, against the schema for t.
func (s schemaSet) validate(t domain.FederationEventType, doc any) error {
	schema, ok := s[t]
	if !ok {
		return fmt.Errorf("%w: unknown federation event type %q", domain.ErrInvalidEvent, t)
	}
	result := schema.Validate(doc)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s payload: %s", domain.ErrInvalidEvent, t, result.Error())
	}
	return nil
}

// validateEnvelope checks the fields every inbound event must carry.
func validateEnvelope(e domain.FederationEvent) error {
	ve := &domain.ValidationError{Kind: "federation_event"}
	if e.ID == "" {
		ve.Add("id", "is required")
	}
	if !e.Type.Valid() {
		ve.Add("type", "unknown type %q", e.Type)
	}
	if e.TenantID == "" {
		ve.Add("tenantId", "is required")
	}
	if e.Timestamp.IsZero() {
		ve.Add("timestamp", "is required")
	}
	if e.Signature == "" {
		ve.Add("signature", "is required")
	}
	if e.Payload == nil {
		ve.Add("payload", "is required")
	}
	return ve.OrNil()
}

func decodeDoc(raw json.RawMessage) (any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON: %v", domain.ErrInvalidEvent, err)
	}
	return doc, nil
}
