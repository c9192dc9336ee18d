package utils

import (
	"strings"
	"unicode"
)

// SanitizeRoomKey maps a user-supplied room name to a key that is safe to
// embed in store key paths. Every rune outside [A-Za-z0-9] becomes '_',
// which matches how presence and signal collections are addressed.
func SanitizeRoomKey(room string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, room)
}

// SanitizeString removes control characters and trims whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// TruncateString truncates a string to max length.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
