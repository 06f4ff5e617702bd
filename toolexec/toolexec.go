// Package toolexec runs the external CLI collaborators (bpftool, ip,
// tc) as blocking subprocesses with per-call timeouts. Every
// invocation is a fresh process; attach/detach happen at setup and
// teardown, not per-packet, so process spawn cost is irrelevant here.
//
// The Runner interface exists so tests can script tool behaviour
// without touching the host.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a tool invocation exceeds its timeout.
var ErrTimeout = errors.New("tool invocation timed out")

// Result holds the outcome of a completed tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the tool exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Runner executes external tools.
//
// Run returns an error only when the invocation itself failed: the
// binary could not be started, or the timeout fired. A process that
// ran to completion with a non-zero exit is reported through
// Result.ExitCode with a nil error; callers decide whether that is
// fatal.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
	// LookPath reports where a tool binary lives, or an error if it
	// is not installed. Used as an availability probe.
	LookPath(name string) (string, error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// NewRunner returns the production runner.
func NewRunner() ExecRunner { return ExecRunner{} }

// Run executes name with args, capturing stdout and stderr.
func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The process was killed when the deadline fired; report
		// that as a timeout rather than a tool failure.
		if runCtx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ErrTimeout)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ErrTimeout)
	}
	return res, fmt.Errorf("run %s: %w", name, err)
}

// LookPath wraps exec.LookPath.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
