package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/bpffs"
	"github.com/x0tta6bl4/meshbpf/config"
	"github.com/x0tta6bl4/meshbpf/internal/elftest"
	"github.com/x0tta6bl4/meshbpf/toolexec"
)

// rule scripts the fake runner: the first rule whose substring matches
// the joined command decides the outcome.
type rule struct {
	contains string
	result   toolexec.Result
	err      error
}

// fakeRunner implements toolexec.Runner without touching the host.
type fakeRunner struct {
	rules   []rule
	missing map[string]bool
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, _ time.Duration, name string, args ...string) (toolexec.Result, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, cmd)
	for _, r := range f.rules {
		if strings.Contains(cmd, r.contains) {
			return r.result, r.err
		}
	}
	return toolexec.Result{}, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/sbin/" + name, nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("MESHBPF_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLoader returns a loader over temp dirs plus the dirs themselves.
func newLoader(t *testing.T, runner *fakeRunner) (*Loader, string, string) {
	t.Helper()
	programsDir := t.TempDir()
	bpffsRoot := t.TempDir()
	cfg, err := config.New(programsDir, bpffsRoot, "")
	require.NoError(t, err)
	return New(cfg, runner, testLogger(t)), programsDir, bpffsRoot
}

func TestLoad_MissingFile(t *testing.T) {
	l, _, _ := newLoader(t, &fakeRunner{})

	_, _, err := l.Load(context.Background(), "nope.o", meshbpf.ProgramTypeXDP)
	var loadErr *meshbpf.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_WrongExtension(t *testing.T) {
	l, programsDir, _ := newLoader(t, &fakeRunner{})
	require.NoError(t, os.WriteFile(filepath.Join(programsDir, "prog.so"), []byte("x"), 0o644))

	_, _, err := l.Load(context.Background(), "prog.so", meshbpf.ProgramTypeXDP)
	var loadErr *meshbpf.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "Expected .o")
}

func TestLoad_ValidObjectWithoutBpftool(t *testing.T) {
	runner := &fakeRunner{missing: map[string]bool{"bpftool": true}}
	l, programsDir, _ := newLoader(t, runner)
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	id, prog, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err, "missing bpftool must not fail a load of a parseable object")

	assert.True(t, strings.HasPrefix(id, "xdp_xdp_filter_"), "id %q should embed type and stem", id)
	assert.Equal(t, meshbpf.ProgramTypeXDP, prog.Type)
	assert.Equal(t, "GPL", prog.License)
	assert.Empty(t, prog.PinnedPath)
	assert.Contains(t, prog.Sections, "license")
	assert.Contains(t, prog.Sections, ".text")
	assert.Equal(t, uint64(16), prog.TextSize)
	assert.Empty(t, runner.calls, "no tool should be invoked when bpftool is absent")
}

func TestLoad_PinsViaBpftool(t *testing.T) {
	runner := &fakeRunner{}
	l, programsDir, bpffsRoot := newLoader(t, runner)
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	_, prog, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)

	wantPin := bpffs.Root(bpffsRoot).PinPath("xdp_filter")
	assert.Equal(t, wantPin, prog.PinnedPath)
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0], "bpftool prog load")
	assert.Contains(t, runner.calls[0], wantPin)
}

func TestLoad_BpftoolFailureIsTolerated(t *testing.T) {
	runner := &fakeRunner{rules: []rule{
		{contains: "bpftool prog load", result: toolexec.Result{ExitCode: 1, Stderr: "permission denied"}},
	}}
	l, programsDir, _ := newLoader(t, runner)
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	_, prog, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err, "bpftool failure alone must not fail the load")
	assert.Empty(t, prog.PinnedPath)
}

func TestLoad_GarbageObjectWithFailingBpftool(t *testing.T) {
	runner := &fakeRunner{rules: []rule{
		{contains: "bpftool prog load", result: toolexec.Result{ExitCode: 1, Stderr: "invalid argument"}},
	}}
	l, programsDir, _ := newLoader(t, runner)
	require.NoError(t, os.WriteFile(filepath.Join(programsDir, "junk.o"), []byte("not an elf"), 0o644))

	_, _, err := l.Load(context.Background(), "junk.o", meshbpf.ProgramTypeXDP)
	var loadErr *meshbpf.LoadError
	require.ErrorAs(t, err, &loadErr, "no sections plus failed kernel load must be a LoadError")
}

func TestLoad_GarbageObjectWithWorkingBpftool(t *testing.T) {
	// The file proves itself valid through the kernel load even when
	// section parsing finds nothing.
	runner := &fakeRunner{}
	l, programsDir, _ := newLoader(t, runner)
	require.NoError(t, os.WriteFile(filepath.Join(programsDir, "junk.o"), []byte("not an elf"), 0o644))

	_, prog, err := l.Load(context.Background(), "junk.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)
	assert.NotEmpty(t, prog.PinnedPath)
	assert.Equal(t, "GPL", prog.License, "license defaults to GPL when the section is absent")
}

func TestLoad_TwiceYieldsDistinctIDs(t *testing.T) {
	l, programsDir, _ := newLoader(t, &fakeRunner{missing: map[string]bool{"bpftool": true}})
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	id1, _, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)
	id2, _, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, l.List(), 2)
}

func TestUnload_UnknownID(t *testing.T) {
	l, _, _ := newLoader(t, &fakeRunner{})
	assert.False(t, l.Unload(context.Background(), "no_such_program"))
}

func TestUnload_RemovesPinAndTracking(t *testing.T) {
	runner := &fakeRunner{}
	l, programsDir, bpffsRoot := newLoader(t, runner)
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	id, prog, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)

	// Simulate the pin bpftool would have created.
	require.NoError(t, os.WriteFile(prog.PinnedPath, nil, 0o644))

	assert.True(t, l.Unload(context.Background(), id))
	_, ok := l.Get(id)
	assert.False(t, ok)
	assert.NoFileExists(t, bpffs.Root(bpffsRoot).PinPath("xdp_filter"))
}

func TestUnload_UnpinFailureStillRemovesTracking(t *testing.T) {
	l, programsDir, _ := newLoader(t, &fakeRunner{})
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	id, _, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)

	// Pin file never existed; unload must still drop tracking state.
	assert.True(t, l.Unload(context.Background(), id))
	assert.Empty(t, l.List())
}

func TestGetAndList(t *testing.T) {
	l, programsDir, _ := newLoader(t, &fakeRunner{missing: map[string]bool{"bpftool": true}})

	_, ok := l.Get("nope")
	assert.False(t, ok)
	assert.Empty(t, l.List())

	elftest.WriteObject(t, filepath.Join(programsDir, "tc_meter.o"), "GPL")
	id, _, err := l.Load(context.Background(), "tc_meter.o", meshbpf.ProgramTypeTC)
	require.NoError(t, err)

	got, ok := l.Get(id)
	require.True(t, ok)
	assert.Equal(t, meshbpf.ProgramTypeTC, got.Type)

	// List hands out copies, not aliases into the tracker.
	list := l.List()
	entry := list[id]
	entry.AttachedTo = "eth0"
	list[id] = entry
	fresh, _ := l.Get(id)
	assert.Empty(t, fresh.AttachedTo)
}

func TestSetAndClearAttached(t *testing.T) {
	l, programsDir, _ := newLoader(t, &fakeRunner{missing: map[string]bool{"bpftool": true}})
	elftest.WriteObject(t, filepath.Join(programsDir, "xdp_filter.o"), "GPL")

	id, _, err := l.Load(context.Background(), "xdp_filter.o", meshbpf.ProgramTypeXDP)
	require.NoError(t, err)

	l.SetAttached(id, "eth0", "skb")
	got, _ := l.Get(id)
	assert.Equal(t, "eth0", got.AttachedTo)
	assert.Equal(t, "skb", got.AttachMode)

	l.ClearAttached(id)
	got, _ = l.Get(id)
	assert.Empty(t, got.AttachedTo)
	assert.Empty(t, got.AttachMode)
}
