package logging

import (
	"fmt"
	"unicode/utf8"
)

// MaxMessageLength is the longest rendered message kept in a record.
const MaxMessageLength = 1024

const (
	truncatedSuffix    = "..."
	formatFaultMessage = "<unformattable log message>"
)

// formatMessage renders format with args. A panic raised while rendering is
// contained and replaced by a placeholder, and overlong output is cut at a
// rune boundary.
func formatMessage(format string, args []any) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("%s: %q", formatFaultMessage, format)
		}
	}()

	if len(args) == 0 {
		msg = format
	} else {
		msg = fmt.Sprintf(format, args...)
	}
	return truncate(msg, MaxMessageLength)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedSuffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
