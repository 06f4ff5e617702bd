// meshbpf loads, attaches, and observes the x0tta6bl4 mesh eBPF
// programs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/config"
	"github.com/x0tta6bl4/meshbpf/journal"
	"github.com/x0tta6bl4/meshbpf/logging"
	"github.com/x0tta6bl4/meshbpf/manager"
	"github.com/x0tta6bl4/meshbpf/metrics"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <COMMAND> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run      Load every program, attach to an interface, cleanup on exit\n")
	fmt.Fprintf(os.Stderr, "  load     Load one object file and print its metadata\n")
	fmt.Fprintf(os.Stderr, "  stats    Print the packet counters\n")
	fmt.Fprintf(os.Stderr, "  routes   Update the mesh route map (dest=nexthop ...)\n")
	fmt.Fprintf(os.Stderr, "  maps     List kernel maps\n")
	fmt.Fprintf(os.Stderr, "  journal  Print journalled program records\n")
	fmt.Fprintf(os.Stderr, "  gc       Collect orphaned bpffs pins [--apply]\n")
	fmt.Fprintf(os.Stderr, "  help     Print this message\n\n")
	fmt.Fprintf(os.Stderr, "Common flags:\n")
	fmt.Fprintf(os.Stderr, "  --programs-dir DIR  Directory holding compiled .o files\n")
	fmt.Fprintf(os.Stderr, "  --bpffs DIR         bpffs mount point\n")
	fmt.Fprintf(os.Stderr, "  --journal FILE      Journal database path (empty disables)\n")
	fmt.Fprintf(os.Stderr, "  --log SPEC          Log filter, e.g. \"info,attach=debug\" (or %s)\n", logging.EnvVar)
	fmt.Fprintf(os.Stderr, "  --log-format FMT    text or json\n")
	os.Exit(1)
}

// env assembles everything a command needs from the shared flags.
type env struct {
	cfg     config.Runtime
	logger  *slog.Logger
	journal journal.Journal
	mgr     *manager.Manager
	args    []string // remaining, command-specific arguments
}

// setup parses the shared flags out of args and builds the manager.
func setup(ctx context.Context, args []string) (*env, error) {
	def := config.Default()
	programsDir := def.ProgramsDir()
	bpffsRoot := def.BpffsRoot().String()
	journalPath := def.JournalPath()
	logSpec := ""
	logFormat := ""

	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--programs-dir":
			if i+1 < len(args) {
				programsDir = args[i+1]
				i++
			}
		case "--bpffs":
			if i+1 < len(args) {
				bpffsRoot = args[i+1]
				i++
			}
		case "--journal":
			if i+1 < len(args) {
				journalPath = args[i+1]
				i++
			}
		case "--log":
			if i+1 < len(args) {
				logSpec = args[i+1]
				i++
			}
		case "--log-format":
			if i+1 < len(args) {
				logFormat = args[i+1]
				i++
			}
		default:
			rest = append(rest, args[i])
		}
	}

	format, err := logging.ParseFormat(logFormat)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		CLISpec: logSpec,
		EnvSpec: os.Getenv(logging.EnvVar),
		Format:  format,
	})
	if err != nil {
		return nil, err
	}

	cfg, err := config.New(programsDir, bpffsRoot, journalPath)
	if err != nil {
		return nil, err
	}

	var jnl journal.Journal = journal.Nop{}
	if cfg.JournalPath() != "" {
		jnl, err = journal.Open(ctx, cfg.JournalPath(), logger)
		if err != nil {
			return nil, err
		}
	}

	recorder := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)

	mgr := manager.New(ctx, cfg, logger,
		manager.WithJournal(jnl),
		manager.WithRecorder(recorder))

	return &env{cfg: cfg, logger: logger, journal: jnl, mgr: mgr, args: rest}, nil
}

func (e *env) close() {
	if err := e.journal.Close(); err != nil {
		e.logger.Warn("failed to close journal", "error", err)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func cmdRun(ctx context.Context, e *env) error {
	iface := ""
	mode := meshbpf.AttachModeSKB
	for i := 0; i < len(e.args); i++ {
		switch e.args[i] {
		case "--iface":
			if i+1 < len(e.args) {
				iface = e.args[i+1]
				i++
			}
		case "--mode":
			if i+1 < len(e.args) {
				m, ok := meshbpf.ParseAttachMode(e.args[i+1])
				if !ok {
					return fmt.Errorf("unknown attach mode: %q", e.args[i+1])
				}
				mode = m
				i++
			}
		}
	}
	if iface == "" {
		return fmt.Errorf("usage: run --iface <interface> [--mode skb|drv|hw]")
	}

	ids := e.mgr.LoadPrograms(ctx)
	if len(ids) == 0 {
		return fmt.Errorf("no programs loaded from %s", e.cfg.ProgramsDir())
	}

	attached := 0
	for _, id := range ids {
		if err := e.mgr.AttachToInterface(ctx, id, iface, mode); err != nil {
			e.logger.Warn("could not attach program", "program_id", id, "error", err)
			continue
		}
		attached++
	}
	if attached == 0 {
		e.mgr.Cleanup(ctx)
		return fmt.Errorf("no programs attached to %s", iface)
	}
	e.logger.Info("running", "interface", iface, "loaded", len(ids), "attached", attached)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	e.logger.Info("received signal, cleaning up", "signal", sig)

	e.mgr.Cleanup(ctx)
	return nil
}

func cmdLoad(ctx context.Context, e *env) error {
	if len(e.args) < 1 || len(e.args) > 2 {
		return fmt.Errorf("usage: load <object.o> [xdp|tc|cgroup_skb|socket_filter]")
	}

	path := e.args[0]
	programType := meshbpf.GuessProgramType(strings.TrimSuffix(path, ".o"))
	if len(e.args) == 2 {
		pt, ok := meshbpf.ParseProgramType(e.args[1])
		if !ok {
			return fmt.Errorf("unknown program type: %q", e.args[1])
		}
		programType = pt
	}

	id, prog, err := e.mgr.LoadProgram(ctx, path, programType)
	if err != nil {
		return err
	}
	return printJSON(struct {
		ProgramID string                `json:"program_id"`
		Program   meshbpf.LoadedProgram `json:"program"`
	}{id, prog})
}

func cmdStats(ctx context.Context, e *env) error {
	return printJSON(e.mgr.Stats(ctx))
}

func cmdRoutes(ctx context.Context, e *env) error {
	if len(e.args) == 0 {
		return fmt.Errorf("usage: routes <dest=nexthop> [<dest=nexthop> ...]")
	}

	routes := make(map[string]string, len(e.args))
	for _, arg := range e.args {
		dest, nextHop, ok := strings.Cut(arg, "=")
		if !ok || dest == "" || nextHop == "" {
			return fmt.Errorf("bad route %q, want dest=nexthop", arg)
		}
		routes[dest] = nextHop
	}

	ok, failed := e.mgr.UpdateRoutes(ctx, routes)
	if !ok {
		return fmt.Errorf("route update failed for: %s", strings.Join(failed, ", "))
	}
	fmt.Printf("Updated %d routes\n", len(routes))
	return nil
}

func cmdMaps(ctx context.Context, e *env) error {
	maps := e.mgr.ListMaps(ctx)
	if len(maps) == 0 {
		fmt.Println("No maps found")
		return nil
	}
	return printJSON(maps)
}

func cmdJournal(ctx context.Context, e *env) error {
	recs, err := e.journal.List(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No journal records")
		return nil
	}
	return printJSON(recs)
}

func cmdGC(ctx context.Context, e *env) error {
	cfg := manager.DefaultGCConfig()
	for _, arg := range e.args {
		if arg == "--apply" {
			cfg.DryRun = false
		}
	}

	result, err := e.mgr.GC(ctx, cfg)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		usage()
	}

	commands := map[string]func(context.Context, *env) error{
		"run":     cmdRun,
		"load":    cmdLoad,
		"stats":   cmdStats,
		"routes":  cmdRoutes,
		"maps":    cmdMaps,
		"journal": cmdJournal,
		"gc":      cmdGC,
	}
	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
	}

	ctx := context.Background()
	e, err := setup(ctx, os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	err = fn(ctx, e)
	e.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
