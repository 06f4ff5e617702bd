package objfile

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

// testLogger returns a logger for tests. Output is discarded unless
// MESHBPF_TEST_VERBOSE is set.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("MESHBPF_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
