package infra

import "strings"

const redactedPlaceholder = "[REDACTED]"

// Redactor strips configured secret endpoints from user-facing messages.
// The ComfyUI base URL and WebSocket URL are deployment secrets and must not
// appear in history entries or API error responses.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a redactor for the given secret strings. Empty values
// are ignored and trailing slashes trimmed so partial forms still match.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		s = strings.TrimRight(strings.TrimSpace(s), "/")
		if s == "" {
			continue
		}
		r.secrets = append(r.secrets, s)
	}
	return r
}

// Sanitize replaces every occurrence of a secret in msg.
func (r *Redactor) Sanitize(msg string) string {
	if r == nil {
		return msg
	}
	for _, s := range r.secrets {
		msg = strings.ReplaceAll(msg, s, redactedPlaceholder)
	}
	return msg
}
