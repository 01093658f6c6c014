package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultLogMaxLen caps error text stored in audit rows and log fields (1KB).
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to at most maxLen bytes without splitting a rune,
// appending a marker with the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateError returns the truncated error text, or "" for a nil error.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return TruncateLog(err.Error(), DefaultLogMaxLen)
}
