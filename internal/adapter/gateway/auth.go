package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"autopilot/internal/domain"
)

// TokenAuth checks a bearer token against one configured value using
// constant-time comparison.
type TokenAuth struct {
	token []byte
	open  bool
}

// NewTokenAuth requires token on every request. An empty token rejects
// everything.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(token)}
}

// NewOptionalTokenAuth is like NewTokenAuth but lets every request through
// when token is empty.
func NewOptionalTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(token), open: token == ""}
}

// Authenticate returns domain.ErrAuthInvalid unless token matches.
func (a *TokenAuth) Authenticate(token string) error {
	if a.open {
		return nil
	}
	if len(a.token) == 0 || subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return domain.ErrAuthInvalid
	}
	return nil
}

// bearerToken reads the Authorization header, falling back to ?token= for
// WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireToken wraps next with bearer authentication. onDeny, when set, is
// told about every rejected request.
func requireToken(auth *TokenAuth, next http.HandlerFunc, onDeny func(*http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Authenticate(bearerToken(r)); err != nil {
			if onDeny != nil {
				onDeny(r)
			}
			writeError(w, err)
			return
		}
		next(w, r)
	}
}
