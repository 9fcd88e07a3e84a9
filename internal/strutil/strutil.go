package strutil

import "unicode/utf8"

// TruncateUTF8 returns the longest prefix of s that is at most maxBytes
// bytes and does not split a multi-byte UTF-8 character.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// Ellipsize truncates s to maxBytes and appends marker when anything was
// cut. The marker is not counted against maxBytes.
func Ellipsize(s string, maxBytes int, marker string) string {
	if len(s) <= maxBytes {
		return s
	}
	return TruncateUTF8(s, maxBytes) + marker
}
