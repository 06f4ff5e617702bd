package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/config"
	"github.com/x0tta6bl4/meshbpf/journal"
	"github.com/x0tta6bl4/meshbpf/toolexec"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("MESHBPF_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failure injects an error for any command containing the substring.
type failure struct {
	contains string
	stderr   string
	err      error
}

// fakeKernel scripts the ip/tc/bpftool surface with just enough state
// to answer the verification reads the manager performs: it remembers
// which interfaces currently have an XDP program so that "ip link
// show" reflects attaches and detaches.
type fakeKernel struct {
	mu       sync.Mutex
	xdp      map[string]bool
	mapDumps map[string]string
	failures []failure
	missing  map[string]bool
	calls    []string
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		xdp:      make(map[string]bool),
		mapDumps: make(map[string]string),
		missing:  make(map[string]bool),
	}
}

func (f *fakeKernel) fail(contains, stderr string) {
	f.failures = append(f.failures, failure{contains: contains, stderr: stderr})
}

func (f *fakeKernel) Run(_ context.Context, _ time.Duration, name string, args ...string) (toolexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, cmd)

	for _, inj := range f.failures {
		if strings.Contains(cmd, inj.contains) {
			if inj.err != nil {
				return toolexec.Result{}, inj.err
			}
			return toolexec.Result{ExitCode: 1, Stderr: inj.stderr}, nil
		}
	}

	iface := argAfter(args, "dev")
	switch {
	case strings.Contains(cmd, "xdp obj"):
		f.xdp[iface] = true
	case strings.Contains(cmd, "xdp off"):
		f.xdp[iface] = false
	case strings.Contains(cmd, "link show"):
		if f.xdp[iface] {
			return toolexec.Result{Stdout: "10: " + iface + ": <BROADCAST,UP> mtu 1500 xdpgeneric qdisc"}, nil
		}
		return toolexec.Result{Stdout: "10: " + iface + ": <BROADCAST,UP> mtu 1500 qdisc noqueue"}, nil
	case strings.Contains(cmd, "map dump"):
		mapName := argAfter(args, "name")
		if dump, ok := f.mapDumps[mapName]; ok {
			return toolexec.Result{Stdout: dump}, nil
		}
		return toolexec.Result{ExitCode: 255, Stderr: "No such map"}, nil
	}
	return toolexec.Result{}, nil
}

func (f *fakeKernel) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/sbin/" + name, nil
}

func (f *fakeKernel) callCount(contains string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, contains) {
			n++
		}
	}
	return n
}

func argAfter(args []string, marker string) string {
	for i, a := range args {
		if a == marker && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// countingRecorder tallies events for assertions.
type countingRecorder struct {
	events map[string]int
	loads  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{events: make(map[string]int)}
}

func (r *countingRecorder) ProgramEvent(event string, _ meshbpf.ProgramType) {
	r.events[event]++
}

func (r *countingRecorder) ProgramLoaded(meshbpf.ProgramType, int64) {
	r.loads++
}

// fixture assembles a Manager over temp directories, a fake kernel,
// an in-memory journal, and a counting recorder.
type fixture struct {
	mgr         *Manager
	kernel      *fakeKernel
	journal     journal.Journal
	recorder    *countingRecorder
	programsDir string
	bpffsRoot   string
	sysClassNet string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		kernel:      newFakeKernel(),
		recorder:    newCountingRecorder(),
		programsDir: t.TempDir(),
		bpffsRoot:   t.TempDir(),
		sysClassNet: t.TempDir(),
	}

	jnl, err := journal.NewInMemory(context.Background(), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })
	f.journal = jnl

	cfg, err := config.New(f.programsDir, f.bpffsRoot, "")
	require.NoError(t, err)

	f.mgr = New(context.Background(), cfg, testLogger(t),
		WithRunner(f.kernel),
		WithJournal(f.journal),
		WithRecorder(f.recorder),
		WithSysClassNet(f.sysClassNet))
	return f
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func journalRecord(id, pin string) journal.Record {
	return journal.Record{
		ProgramID: id,
		Path:      "/opt/progs/old.o",
		Type:      meshbpf.ProgramTypeXDP,
		PinPath:   pin,
		LoadedAt:  time.Now(),
	}
}

// addInterface fakes a /sys/class/net entry.
func (f *fixture) addInterface(t *testing.T, name, operstate string) {
	t.Helper()
	dir := filepath.Join(f.sysClassNet, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "operstate"), []byte(operstate+"\n"), 0o644))
}
