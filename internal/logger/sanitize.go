package logger

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Length caps applied before values reach a log line
const (
	MaxPathLength          = 500
	MaxSearchTextLength    = 500
	MaxErrorMessageLength  = 1000
	MaxGeneralStringLength = 2000
)

const truncationMarker = "..."

// SanitizeString drops control characters and invalid UTF-8 from s and caps it
// at maxLength bytes without splitting a rune. A non-positive maxLength uses
// MaxGeneralStringLength.
func SanitizeString(s string, maxLength int) string {
	if s == "" {
		return ""
	}
	if maxLength <= 0 {
		maxLength = MaxGeneralStringLength
	}
	return truncate(printable(s), maxLength)
}

// SanitizePath sanitizes a request path
func SanitizePath(path string) string {
	return SanitizeString(path, MaxPathLength)
}

// SanitizeSearchText sanitizes a keyword string or compiled query
func SanitizeSearchText(text string) string {
	return SanitizeString(text, MaxSearchTextLength)
}

// SanitizeError sanitizes an error message; nil yields ""
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeErrorString(err.Error())
}

// SanitizeErrorString sanitizes an error message already rendered to a string
func SanitizeErrorString(errStr string) string {
	return SanitizeString(errStr, MaxErrorMessageLength)
}

// printable keeps printable runes and ordinary whitespace
func printable(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1
	}, s)
}

func truncate(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	cut := maxLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
