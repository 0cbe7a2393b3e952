// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeHeader coerces a broker header value to a trimmed UTF-8
// string. Headers arrive as strings or byte slices depending on the
// publisher; invalid UTF-8 is replaced rather than rejected. Any other
// type, and any value that trims to nothing, yields "".
func NormalizeHeader(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(s, "�"))
}
