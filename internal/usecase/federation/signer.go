package federation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"autopilot/internal/domain"
)

// signedFields is the canonical document covered by a signature.
type signedFields struct {
	Type      domain.FederationEventType `json:"type"`
	TenantID  string                     `json:"tenantId"`
	Timestamp string                     `json:"timestamp"`
	Payload   json.RawMessage            `json:"payload"`
}

// Sign returns the hex HMAC-SHA256 of the event's type, tenant, timestamp and
// compact payload.
func Sign(secret []byte, e *domain.FederationEvent) (string, error) {
	payload, err := e.PayloadBytes()
	if err != nil {
		return "", err
	}
	msg, err := json.Marshal(signedFields{
		Type:      e.Type,
		TenantID:  e.TenantID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time.
func Verify(secret []byte, e *domain.FederationEvent) error {
	want, err := Sign(secret, e)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return domain.ErrSignatureInvalid
	}
	expected, _ := hex.DecodeString(want)
	if !hmac.Equal(got, expected) {
		return domain.ErrSignatureInvalid
	}
	return nil
}
