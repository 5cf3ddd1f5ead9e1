package logging

import (
	"fmt"
	"strings"
)

// Level is the ordinal severity of a record.
type Level int32

const (
	// LevelUnset means no threshold has been chosen.
	LevelUnset Level = iota
	// LevelDebug is the debug severity.
	LevelDebug
	// LevelInfo is the info severity.
	LevelInfo
	// LevelWarning is the warning severity.
	LevelWarning
	// LevelError is the error severity.
	LevelError
	// LevelOff suppresses everything below it.
	LevelOff
)

var levelNames = [...]string{
	LevelUnset:   "UNSET",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelOff:     "OFF",
}

// String returns the display string of the level.
func (l Level) String() string {
	if l < LevelUnset || l > LevelOff {
		return fmt.Sprintf("LEVEL(%d)", int32(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelUnset && l <= LevelOff
}

// ParseLevel parses a level name. Matching is case-insensitive and "warn"
// is accepted as an alias for WARNING.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNSET":
		return LevelUnset, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "OFF":
		return LevelOff, nil
	default:
		return LevelUnset, fmt.Errorf("unknown log level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
