// Package logging provides structured logging configuration for
// meshbpf: slog with per-component level filtering.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log level with a trace level below slog's built-ins.
// Values match slog.Level constants for debug through error.
type Level int

const (
	// LevelTrace is the most verbose level, below debug.
	LevelTrace Level = -8
	// LevelDebug matches slog.LevelDebug.
	LevelDebug Level = -4
	// LevelInfo matches slog.LevelInfo.
	LevelInfo Level = 0
	// LevelWarn matches slog.LevelWarn.
	LevelWarn Level = 4
	// LevelError matches slog.LevelError.
	LevelError Level = 8
)

// ParseLevel parses a string into a Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// ToSlog converts Level to slog.Level.
func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", l)
	}
}

// Spec describes which levels are enabled: a base level plus
// per-component overrides, keyed by the "component" log attribute.
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// LevelFor returns the effective level for a component.
func (s *Spec) LevelFor(component string) Level {
	if lvl, ok := s.Components[component]; ok {
		return lvl
	}
	return s.BaseLevel
}

// ParseSpec parses a filter spec of the form
//
//	"warn,loader=debug,attach=trace"
//
// A bare token sets the base level; component=level tokens override
// individual components. An empty spec means info for everything.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: make(map[string]Level),
	}
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		name, levelStr, found := strings.Cut(token, "=")
		if !found {
			lvl, err := ParseLevel(token)
			if err != nil {
				return Spec{}, err
			}
			spec.BaseLevel = lvl
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return Spec{}, fmt.Errorf("empty component in log spec token %q", token)
		}
		lvl, err := ParseLevel(levelStr)
		if err != nil {
			return Spec{}, err
		}
		spec.Components[name] = lvl
	}
	return spec, nil
}
