package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	bearerRe = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-~+/]+=*`)
)

var secretHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
}

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, phone numbers and bearer tokens when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = bearerRe.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}

// Headers returns a copy of h safe to log. Credential headers are always
// masked, regardless of SetEnabled.
func Headers(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if secretHeaders[strings.ToLower(k)] && v != "" {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
