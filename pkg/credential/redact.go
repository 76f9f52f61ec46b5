package credential

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// redactionMark replaces every secret occurrence.
const redactionMark = "***REDACTED***"

// builtinPattern is a regex swept over outbound text in addition to
// exact-value redaction, catching secrets that were transformed before
// they leaked (e.g. embedded in a connection string).
type builtinPattern struct {
	name        string
	pattern     string
	replacement string
}

var builtinPatterns = []builtinPattern{
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`, "Bearer " + redactionMark},
	{"basic_auth_url", `://[^/\s:@]+:[^/\s@]+@`, "://" + redactionMark + "@"},
	{"password_kv", `(?i)(password|passwd|secret|token|api_key|apikey)(["']?\s*[:=]\s*["']?)[^\s"',}]{4,}`, "$1$2" + redactionMark},
	{"private_key_block", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, redactionMark},
}

// Redactor scrubs secret material from strings and structured values
// before they reach logs, events, or stored results. Exact payload
// values are tracked per worker process as credentials are resolved;
// built-in patterns catch the rest. Thread-safe.
type Redactor struct {
	mu       sync.RWMutex
	values   []string
	patterns []*compiledPattern
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor compiles the built-in patterns. Invalid patterns are
// logged and skipped.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile redaction pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &compiledPattern{
			name: p.name, regex: compiled, replacement: p.replacement,
		})
	}
	return r
}

// Track registers every leaf string of a credential payload for
// exact-value redaction. Short values are skipped: redacting them
// would mangle unrelated text.
func (r *Redactor) Track(payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackValue(payload)
}

func (r *Redactor) trackValue(v any) {
	switch val := v.(type) {
	case string:
		if len(val) >= 4 {
			r.values = append(r.values, val)
		}
	case map[string]any:
		for _, inner := range val {
			r.trackValue(inner)
		}
	case []any:
		for _, inner := range val {
			r.trackValue(inner)
		}
	}
}

// String redacts tracked values and built-in patterns from s.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	values := r.values
	r.mu.RUnlock()

	for _, v := range values {
		s = strings.ReplaceAll(s, v, redactionMark)
	}
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// Value recursively redacts a structured value, returning a scrubbed
// copy. Non-string scalars pass through unchanged.
func (r *Redactor) Value(v any) any {
	switch val := v.(type) {
	case string:
		return r.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = r.Value(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = r.Value(inner)
		}
		return out
	default:
		return v
	}
}

// Map redacts a string-keyed map in place-shape, returning a copy.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.Value(m).(map[string]any)
}
