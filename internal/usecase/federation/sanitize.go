package federation

import "strings"

// forbiddenKeys never leave or enter a tenant. Matching is case-insensitive.
var forbiddenKeys = map[string]struct{}{
	"rawevents":   {},
	"events":      {},
	"credentials": {},
	"password":    {},
	"secret":      {},
	"token":       {},
	"apikey":      {},
	"session":     {},
	"sessiondata": {},
	"cookie":      {},
}

// sanitize returns v with every forbidden key removed at any depth. Maps and
// slices are copied; v itself is not modified.
func sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, bad := forbiddenKeys[strings.ToLower(k)]; bad {
				continue
			}
			out[k] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(val)
		}
		return out
	default:
		return v
	}
}
