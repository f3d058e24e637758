package audit

import "regexp"

// Redactor scrubs sensitive fields/values out of a snapshot before it
// is hashed into the chain. Patterns match either a field name
// (case-insensitive exact match against a single map key at any depth,
// e.g. "password"; dotted paths are not matched) or a regex applied to
// string values (email, phone, credit-card, token-prefix shapes).
type Redactor struct {
	fieldNames  map[string]struct{}
	valuePatterns []*regexp.Regexp
}

// DefaultFieldNames are always-redacted field names regardless of
// configuration, matching spec.md's "credentials, password, apiKey, …".
var DefaultFieldNames = []string{"credentials", "password", "apikey", "api_key", "secret", "token", "ssn"}

// DefaultValuePatterns cover email, phone, credit-card, and common
// token-prefix shapes.
var DefaultValuePatterns = []string{
	`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, // email
	`\+?\d{1,3}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`, // phone
	`\b(?:\d[ -]*?){13,16}\b`,                               // credit card
	`\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{8,}\b`,         // token prefixes
}

// NewRedactor builds a Redactor from a set of field names and value
// regexes, falling back to the built-in defaults when nil is passed,
// mirroring spec.md's AUDIT_REDACTION_PATTERNS knob.
func NewRedactor(fieldNames []string, valuePatterns []string) *Redactor {
	if fieldNames == nil {
		fieldNames = DefaultFieldNames
	}
	if valuePatterns == nil {
		valuePatterns = DefaultValuePatterns
	}
	names := make(map[string]struct{}, len(fieldNames))
	for _, n := range fieldNames {
		names[lower(n)] = struct{}{}
	}
	patterns := make([]*regexp.Regexp, 0, len(valuePatterns))
	for _, p := range valuePatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}
	return &Redactor{fieldNames: names, valuePatterns: patterns}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Redact returns a scrubbed copy of snapshot plus the list of field
// paths that were redacted. Traversal is recursive over maps and
// slices; matched fields are replaced with "[REDACTED]" and matched
// string values (even under non-matching field names) are scrubbed in
// place via the value patterns.
func (r *Redactor) Redact(snapshot map[string]interface{}) (map[string]interface{}, []string) {
	if snapshot == nil {
		return nil, nil
	}
	var redacted []string
	out := r.redactMap("", snapshot, &redacted)
	return out, redacted
}

func (r *Redactor) redactMap(prefix string, m map[string]interface{}, redacted *[]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if _, ok := r.fieldNames[lower(k)]; ok {
			out[k] = "[REDACTED]"
			*redacted = append(*redacted, path)
			continue
		}
		out[k] = r.redactValue(path, v, redacted)
	}
	return out
}

func (r *Redactor) redactValue(path string, v interface{}, redacted *[]string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return r.redactMap(path, t, redacted)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = r.redactValue(path, e, redacted)
		}
		return out
	case string:
		for _, re := range r.valuePatterns {
			if re.MatchString(t) {
				*redacted = append(*redacted, path)
				return re.ReplaceAllString(t, "[REDACTED]")
			}
		}
		return t
	default:
		return v
	}
}
