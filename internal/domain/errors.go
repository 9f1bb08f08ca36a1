package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrDecryption  = fmt.Errorf("decryption failed")
	ErrEncryption  = fmt.Errorf("encryption operation failed")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")

	// Event protocol errors.
	ErrInvalidEvent = fmt.Errorf("event failed schema validation")
	ErrUnknownAgent = fmt.Errorf("unknown agent")

	// Backend errors. Read paths substitute defaults for these instead of propagating.
	ErrStreamUnavailable = fmt.Errorf("stream backend unavailable")
	ErrStoreUnavailable  = fmt.Errorf("durable store unavailable")

	// Federation errors. A bad signature is a security event and is kept
	// distinct from ErrInvalidEvent.
	ErrSignatureInvalid = fmt.Errorf("federation: %w: signature mismatch", ErrAuthInvalid)
	ErrMissingSecret    = fmt.Errorf("federation shared secret not configured")
	ErrPeerDelivery     = fmt.Errorf("federation peer delivery failed")

	// Policy errors.
	ErrPolicyBlocked = fmt.Errorf("action blocked by policy")

	ErrAuditWrite = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.DispatchEvent")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ValidationError lists every field problem found while validating a message.
// It always unwraps to ErrInvalidEvent.
type ValidationError struct {
	Kind   string // "event" or "federation_event"
	Fields []FieldError
}

// FieldError is a single schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s: %s", v.Kind, strings.Join(parts, "; "))
}

func (v *ValidationError) Unwrap() error { return ErrInvalidEvent }

// Add records a field violation.
func (v *ValidationError) Add(field, format string, args ...any) {
	v.Fields = append(v.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns v as an error when it holds violations, nil otherwise.
func (v *ValidationError) OrNil() error {
	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

// ErrorCode is a machine-parseable error category for monitoring and HTTP mapping.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeDisabled          ErrorCode = "DISABLED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeInvalidEvent      ErrorCode = "INVALID_EVENT"
	CodeUnknownAgent      ErrorCode = "UNKNOWN_AGENT"
	CodeStreamUnavailable ErrorCode = "STREAM_UNAVAILABLE"
	CodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	CodeSignatureInvalid  ErrorCode = "SIGNATURE_INVALID"
	CodeMissingSecret     ErrorCode = "MISSING_SECRET"
	CodePeerDelivery      ErrorCode = "PEER_DELIVERY"
	CodePolicyBlocked     ErrorCode = "POLICY_BLOCKED"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
)

// errorCodeOrder is checked in order, so more specific sentinels (which may
// wrap a category sentinel) come before the categories they wrap.
var errorCodeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrSignatureInvalid, CodeSignatureInvalid},
	{ErrInvalidEvent, CodeInvalidEvent},
	{ErrUnknownAgent, CodeUnknownAgent},
	{ErrStreamUnavailable, CodeStreamUnavailable},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrMissingSecret, CodeMissingSecret},
	{ErrPeerDelivery, CodePeerDelivery},
	{ErrPolicyBlocked, CodePolicyBlocked},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrEncryption, CodeEncryption},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRateLimit, CodeRateLimit},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrDisabled, CodeDisabled},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeOrder {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
