package domain

import (
	"context"
	"time"
)

// AuditEventType classifies security audit entries.
type AuditEventType string

const (
	AuditAuthDenied        AuditEventType = "auth_denied"
	AuditFederationReject  AuditEventType = "federation_rejected"
	AuditFederationAccept  AuditEventType = "federation_accepted"
	AuditPolicyBlocked     AuditEventType = "policy_blocked"
	AuditPolicyViolation   AuditEventType = "policy_violation"
	AuditRetentionEnforced AuditEventType = "retention_enforced"
)

// AuditEvent is one auditable security decision.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`    // client IP or tenant ID
	Resource string `json:"resource,omitempty"` // route or event ID
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}
