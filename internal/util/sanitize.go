package util

import (
	"html"
	"regexp"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags script-injection patterns in free-text fields.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// ValidIdentifier accepts client-generated session ids and opaque tokens:
// URL-safe, 8 to 128 characters.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// NormalizeSignal canonicalizes a coarse proximity signal before bucketing.
// Devices report it in mixed case with incidental whitespace.
func NormalizeSignal(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
