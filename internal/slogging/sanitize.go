package slogging

import "strings"

// SanitizeLogMessage cleans a log message so that user-supplied values cannot
// inject fake log lines (CWE-117).
func SanitizeLogMessage(message string) string {
	// Replace newlines with space
	message = strings.ReplaceAll(message, "\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")

	// Replace tabs with space
	message = strings.ReplaceAll(message, "\t", " ")

	// Collapse multiple spaces into one and trim whitespace
	message = strings.TrimSpace(strings.Join(strings.Fields(message), " "))

	if message == "" {
		return ""
	}

	return message
}
