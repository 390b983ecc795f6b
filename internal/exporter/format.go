package exporter

import (
	"strconv"
	"time"
)

// formatTime renders t in RFC 3339, or an empty cell for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// formatBool formats a boolean value for report output
func formatBool(b bool) string {
	return strconv.FormatBool(b)
}
