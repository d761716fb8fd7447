package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters. Query shapes
// and usernames pass through here before being indexed for forensic search.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags obvious injection attempts in caller-supplied
// search patterns.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
