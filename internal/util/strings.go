package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. Used when logging a prefix of a credential.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("gho_abcdef123456", 8) // Returns: "gho_abcd"
//	SafeTruncate("short", 10)           // Returns: "short"
//	SafeTruncate("test", -1)            // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison and joining by removing trailing slashes.
// Broker base URLs and CORS origins are normalized this way so that
// "https://example.com/" and "https://example.com" are treated alike.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
