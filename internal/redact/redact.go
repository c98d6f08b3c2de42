// Package redact holds the sensitive-key predicate shared by the audit
// sanitizer and the log handler so both redact the same fields.
package redact

import "strings"

// Sentinel replaces every redacted value.
const Sentinel = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"password",
	"token",
	"key",
	"secret",
	"credential",
}

// IsSensitiveKey reports whether key contains a sensitive fragment,
// compared case-insensitively.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// Fragments returns a copy of the sensitive key fragments.
func Fragments() []string {
	out := make([]string, len(sensitiveKeyFragments))
	copy(out, sensitiveKeyFragments)
	return out
}
