package util

import (
	"strings"
	"unicode"
)

// NormalizePhoneNumber trims whitespace and drops formatting characters so that
// "+1 (555) 123-4567" and "+15551234567" address the same counter record.
func NormalizePhoneNumber(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			// not a phone number; keep as-is so the key stays unique
			return s
		}
	}
	return b.String()
}
