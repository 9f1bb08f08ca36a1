package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain"
)

func signedEvent(t *testing.T) domain.FederationEvent {
	t.Helper()
	e := domain.FederationEvent{
		ID:        "evt",
		Type:      domain.FederationTrustAggregate,
		TenantID:  "tenant-b",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC),
		Payload: domain.TrustAggregatePayload{
			Participants: 2, AverageTrust: 70, HighestTrust: 80, LowestTrust: 60,
			NetworkHealth: domain.NetworkHealthy,
		},
	}
	sig, err := Sign([]byte(testSecret), &e)
	require.NoError(t, err)
	e.Signature = sig
	return e
}

func TestSignIsDeterministic(t *testing.T) {
	e := signedEvent(t)
	again, err := Sign([]byte(testSecret), &e)
	require.NoError(t, err)
	assert.Equal(t, e.Signature, again)
	assert.Len(t, e.Signature, 64)
}

func TestVerifyDetectsTampering(t *testing.T) {
	require.NoError(t, Verify([]byte(testSecret), ptr(signedEvent(t))))

	cases := map[string]func(e *domain.FederationEvent){
		"tenant":    func(e *domain.FederationEvent) { e.TenantID = "tenant-c" },
		"type":      func(e *domain.FederationEvent) { e.Type = domain.FederationModelUpdate },
		"timestamp": func(e *domain.FederationEvent) { e.Timestamp = e.Timestamp.Add(time.Millisecond) },
		"signature": func(e *domain.FederationEvent) { e.Signature = "not-hex" },
		"payload": func(e *domain.FederationEvent) {
			p := e.Payload.(domain.TrustAggregatePayload)
			p.AverageTrust = 99
			e.Payload = p
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := signedEvent(t)
			mutate(&e)
			assert.ErrorIs(t, Verify([]byte(testSecret), &e), domain.ErrSignatureInvalid)
		})
	}
}

func TestVerifyTimestampZoneIndependent(t *testing.T) {
	e := signedEvent(t)
	e.Timestamp = e.Timestamp.In(time.FixedZone("X", 3*3600))
	assert.NoError(t, Verify([]byte(testSecret), &e))
}

func TestSanitizeLeavesInputUntouched(t *testing.T) {
	in := map[string]any{"secret": 1, "SESSION": 2, "keep": []any{map[string]any{"rawEvents": 3, "n": 4}}}
	out := sanitize(in)
	assert.Equal(t, map[string]any{"keep": []any{map[string]any{"n": 4}}}, out)
	assert.Len(t, in, 3)
}

func ptr[T any](v T) *T { return &v }
