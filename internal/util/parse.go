package util

import "regexp"

var nonNumericRegex = regexp.MustCompile(`[^\d]`)

// CleanNumericString drops every non-digit ("0-76683-00062-2" -> "076683000622").
func CleanNumericString(s string) string {
	return nonNumericRegex.ReplaceAllString(s, "")
}
