// Package stringutil provides small string helpers shared by logging and tracing.
package stringutil

import "unicode/utf8"

// Truncate returns at most maxLen bytes of s, never splitting a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateWithSuffix truncates s to maxLen bytes and appends suffix when
// anything was cut. The suffix is not counted against maxLen.
func TruncateWithSuffix(s string, maxLen int, suffix string) string {
	if len(s) <= maxLen {
		return s
	}
	return Truncate(s, maxLen) + suffix
}

// TruncateWithEllipsis shortens s to fit maxLen bytes including a "..." suffix.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return Truncate(s, maxLen-3) + "..."
}
