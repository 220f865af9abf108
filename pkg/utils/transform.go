package utils

import (
	"strings"
)

func BoolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// SplitCSV splits a comma-separated string into trimmed values, dropping
// nothing: empty items are preserved so positional fields stay aligned.
func SplitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// IsDigits reports whether s is non-empty and entirely ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
