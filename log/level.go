package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Output formats accepted by NewFormatted.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel parses a level name. The match is case-insensitive; "warning"
// is accepted as an alias for "warn".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log: unknown level %q", s)
}

// VerbosityToLevel maps the 0-5 verbosity flag onto slog levels.
//
//	0-1 error, 2 warn, 3 info, 4-5 debug
func VerbosityToLevel(v int) slog.Level {
	switch {
	case v <= 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// ValidFormat reports whether f names a supported output format.
func ValidFormat(f string) bool {
	return f == FormatJSON || f == FormatText
}
