package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"autopilot/internal/domain"
)

// payloadSchemas are the JSON Schemas each event payload must satisfy.
var payloadSchemas = map[domain.EventType]string{
	domain.EventRecommendation: `{
		"type": "object",
		"required": ["recommendationId", "action", "confidence"],
		"properties": {
			"recommendationId": {"type": "string", "minLength": 1},
			"route":            {"type": "string"},
			"action":           {"type": "string", "minLength": 1},
			"confidence":       {"type": "number", "minimum": 0, "maximum": 1},
			"rationale":        {"type": "string"}
		}
	}`,
	domain.EventEvaluation: `{
		"type": "object",
		"required": ["recommendationId", "outcome"],
		"properties": {
			"recommendationId": {"type": "string", "minLength": 1},
			"outcome":          {"enum": ["applied", "rejected", "rolled_back"]},
			"score":            {"type": "number", "minimum": 0, "maximum": 1},
			"notes":            {"type": "string"}
		}
	}`,
	domain.EventPolicyUpdate: `{
		"type": "object",
		"required": ["policyId", "decision"],
		"properties": {
			"policyId": {"type": "string", "minLength": 1},
			"decision": {"enum": ["ALLOWED", "REVIEW", "BLOCKED"]},
			"reasons":  {"type": "array", "items": {"type": "string"}}
		}
	}`,
	domain.EventInsightReport: `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"metrics": {"type": "object", "additionalProperties": {"type": "number"}}
		}
	}`,
}

// Validator checks events against the protocol rules and payload schemas.
type Validator struct {
	schemas map[domain.EventType]*jsonschema.Schema
}

// NewValidator compiles every payload schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[domain.EventType]*jsonschema.Schema, len(payloadSchemas))}
	for t, raw := range payloadSchemas {
		compiler := jsonschema.NewCompiler()
		name := string(t) + ".json"
		if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", t, err)
		}
		s, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", t, err)
		}
		v.schemas[t] = s
	}
	return v, nil
}

// MustValidator is NewValidator for package-level use; the schemas are
// constants so a failure is a programming error.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateEvent checks the envelope and the payload. Every problem found is
// reported in one *domain.ValidationError.
func (v *Validator) ValidateEvent(e domain.Event) error {
	ve := &domain.ValidationError{Kind: "event"}
	if !e.Type.Valid() {
		ve.Add("type", "unknown event type %q", e.Type)
	}
	if !e.Source.Valid() {
		ve.Add("source", "unknown agent %q", e.Source)
	}
	if e.Target != "" && !e.Target.Valid() {
		ve.Add("target", "unknown agent %q", e.Target)
	}
	if e.Priority < domain.MinEventPriority || e.Priority > domain.MaxEventPriority {
		ve.Add("priority", "must be in [%d, %d], got %d", domain.MinEventPriority, domain.MaxEventPriority, e.Priority)
	}
	if e.TraceID == "" {
		ve.Add("traceId", "must not be empty")
	}
	if e.Timestamp.IsZero() {
		ve.Add("timestamp", "must be set")
	}
	switch {
	case e.Payload == nil:
		ve.Add("payload", "must be set")
	case e.Type.Valid() && e.Payload.EventType() != e.Type:
		ve.Add("payload", "%s payload does not match event type %q", e.Payload.EventType(), e.Type)
	case e.Type.Valid():
		v.validatePayload(e.Type, e.Payload, ve)
	}
	return ve.OrNil()
}

func (v *Validator) validatePayload(t domain.EventType, p domain.EventPayload, ve *domain.ValidationError) {
	raw, err := json.Marshal(p)
	if err != nil {
		ve.Add("payload", "encode: %v", err)
		return
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		ve.Add("payload", "decode: %v", err)
		return
	}
	err = v.schemas[t].Validate(doc)
	if err == nil {
		return
	}
	var sve *jsonschema.ValidationError
	if !errors.As(err, &sve) {
		ve.Add("payload", "%v", err)
		return
	}
	leaves := leafErrors(sve, nil)
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].InstanceLocation < leaves[j].InstanceLocation })
	for _, l := range leaves {
		ve.Add(fieldPath(l.InstanceLocation), "%s", l.Message)
	}
}

func leafErrors(e *jsonschema.ValidationError, acc []*jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return append(acc, e)
	}
	for _, c := range e.Causes {
		acc = leafErrors(c, acc)
	}
	return acc
}

// fieldPath turns a JSON pointer into "payload.a.b".
func fieldPath(ptr string) string {
	ptr = strings.Trim(ptr, "/")
	if ptr == "" {
		return "payload"
	}
	return "payload." + strings.ReplaceAll(ptr, "/", ".")
}
