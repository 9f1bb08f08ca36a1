package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain"
)

func TestWriteErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrSignatureInvalid, http.StatusUnauthorized},
		{domain.ErrAuthInvalid, http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", domain.ErrInvalidEvent), http.StatusBadRequest},
		{domain.NewDomainError("op", domain.ErrInvalidInput, "bad"), http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("auto-apply: %w", domain.ErrPolicyBlocked), http.StatusConflict},
		{domain.ErrDisabled, http.StatusServiceUnavailable},
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{domain.ErrRateLimit, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestWriteErrorMasksUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("db password is hunter2"))

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, domain.CodeUnknown, body.Code)
}

func TestWriteErrorListsFields(t *testing.T) {
	ve := &domain.ValidationError{Kind: "federation_event"}
	ve.Add("tenantId", "is required")

	rec := httptest.NewRecorder()
	writeError(rec, ve)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "tenantId", body.Fields[0].Field)
}
