package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar is the environment variable read by FromEnv for the filter
// spec, e.g. MESHBPF_LOG="debug,attach=trace".
const EnvVar = "MESHBPF_LOG"

// Format represents the log output format.
type Format string

const (
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = "json"
)

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures the logger factory.
type Options struct {
	// CLISpec is the filter spec from a command line flag
	// (highest precedence).
	CLISpec string
	// EnvSpec is the filter spec from MESHBPF_LOG.
	EnvSpec string
	// Format is the output format (text or json).
	Format Format
	// Output is the writer for log output. Defaults to os.Stdout.
	Output io.Writer
}

// New creates a slog.Logger with component-level filtering.
// CLI flags override environment variables, Unix convention.
func New(opts Options) (*slog.Logger, error) {
	specStr := opts.EnvSpec
	if opts.CLISpec != "" {
		specStr = opts.CLISpec
	}

	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	// The inner handler passes everything; the filtering handler
	// owns level decisions.
	handlerOpts := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}
	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	return slog.New(NewFilteringHandler(inner, &spec)), nil
}

// Default creates a logger with default settings (info, text, stdout).
func Default() *slog.Logger {
	logger, _ := New(Options{})
	return logger
}

// FromEnv creates a logger configured by the MESHBPF_LOG variable.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}
