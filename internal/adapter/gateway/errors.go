package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"autopilot/internal/domain"
)

type errorBody struct {
	Error  string              `json:"error"`
	Code   domain.ErrorCode    `json:"code"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidEvent, domain.CodeInvalidInput, domain.CodeUnknownAgent:
		return http.StatusBadRequest
	case domain.CodeSignatureInvalid, domain.CodeAuthInvalid:
		return http.StatusUnauthorized
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodePolicyBlocked, domain.CodeDuplicate:
		return http.StatusConflict
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeDisabled, domain.CodeStoreUnavailable, domain.CodeStreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	body := errorBody{Error: err.Error(), Code: code}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	if code == domain.CodeUnknown {
		body.Error = "internal error"
	}
	writeJSON(w, httpStatus(code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body of at most 1 MiB into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			return err
		}
		return domain.NewDomainError("gateway.decode", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
