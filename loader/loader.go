// Package loader implements program loading: object file validation,
// ELF metadata extraction, kernel load via bpftool with bpffs pinning,
// and in-memory tracking of loaded programs.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/bpffs"
	"github.com/x0tta6bl4/meshbpf/config"
	"github.com/x0tta6bl4/meshbpf/objfile"
	"github.com/x0tta6bl4/meshbpf/toolexec"
)

const bpftoolLoadTimeout = 10 * time.Second

// Loader loads compiled eBPF object files and tracks their metadata
// under generated program IDs. Not safe for concurrent use; the
// orchestrator serialises access.
type Loader struct {
	cfg      config.Runtime
	runner   toolexec.Runner
	logger   *slog.Logger
	programs map[string]*meshbpf.LoadedProgram
}

// New creates a Loader. A nil runner gets the production runner; a nil
// logger gets slog.Default.
func New(cfg config.Runtime, runner toolexec.Runner, logger *slog.Logger) *Loader {
	if runner == nil {
		runner = toolexec.NewRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		cfg:      cfg,
		runner:   runner,
		logger:   logger.With("component", "loader"),
		programs: make(map[string]*meshbpf.LoadedProgram),
	}
	l.checkBpffs()
	return l
}

// checkBpffs warns when the configured pin root is not backed by a
// bpffs, since pinning will fail there. Detection errors are not
// actionable and stay at debug.
func (l *Loader) checkBpffs() {
	root := l.cfg.BpffsRoot().String()
	mounted, err := bpffs.IsMounted(bpffs.DefaultMountInfoPath, root)
	if err != nil {
		l.logger.Debug("could not check bpffs mount", "root", root, "error", err)
		return
	}
	if mounted {
		return
	}
	// Bind-mounted subtrees don't show as a bpf mount at this exact
	// path; the statfs magic catches those.
	if ok, err := bpffs.IsBpffs(root); err == nil && ok {
		return
	}
	l.logger.Warn("bpffs is not mounted at pin root; program pinning will fail", "root", root)
}

// Load loads an eBPF program from a compiled .o file. programPath is
// resolved against the configured programs directory unless absolute.
//
// The file must prove itself valid by at least one of: ELF sections
// present, or a successful kernel load. Kernel-load failure by itself
// is tolerated (bpftool missing, unprivileged environment); metadata
// is still tracked with no pinned path.
//
// Load is not idempotent: loading the same file twice produces two
// independently tracked programs.
func (l *Loader) Load(ctx context.Context, programPath string, programType meshbpf.ProgramType) (string, meshbpf.LoadedProgram, error) {
	fullPath := programPath
	if !filepath.IsAbs(fullPath) {
		fullPath = filepath.Join(l.cfg.ProgramsDir(), programPath)
	}

	fi, err := os.Stat(fullPath)
	if err != nil {
		return "", meshbpf.LoadedProgram{}, &meshbpf.LoadError{Path: fullPath, Msg: "program not found", Err: err}
	}
	if ext := filepath.Ext(fullPath); ext != ".o" {
		return "", meshbpf.LoadedProgram{}, &meshbpf.LoadError{
			Path: fullPath,
			Msg:  fmt.Sprintf("invalid object file. Expected .o, got %q", ext),
		}
	}

	sections := objfile.ParseSections(fullPath, l.logger)

	license := "GPL"
	if lic, ok := sections["license"]; ok && lic.Text != "" {
		license = lic.Text
	}
	// The kernel rejects non-GPL-compatible programs for many program
	// types. Not pre-rejected here; the kernel is the authority.
	if !strings.Contains(license, "GPL") {
		l.logger.Warn("program license may not be GPL-compatible", "path", fullPath, "license", license)
	}

	info, err := objfile.Inspect(fullPath)
	if err != nil {
		l.logger.Debug("collection inspection failed", "path", fullPath, "error", err)
	}

	pinnedPath := l.loadViaBpftool(ctx, fullPath)

	if len(sections) == 0 && pinnedPath == "" {
		return "", meshbpf.LoadedProgram{}, &meshbpf.LoadError{
			Path: fullPath,
			Msg:  "invalid object: no ELF sections found and kernel load failed",
		}
	}

	stem := strings.TrimSuffix(filepath.Base(fullPath), ".o")
	programID := fmt.Sprintf("%s_%s_%s", programType, stem, uuid.NewString()[:8])

	sectionNames := make([]string, 0, len(sections))
	for name := range sections {
		sectionNames = append(sectionNames, name)
	}
	sort.Strings(sectionNames)

	_, hasText := sections[".text"]
	_, hasBTF := sections[".BTF"]
	_, hasMaps := sections[".maps"]
	prog := &meshbpf.LoadedProgram{
		Path:         fullPath,
		Type:         programType,
		SizeBytes:    fi.Size(),
		Sections:     sectionNames,
		HasBTF:       hasBTF || info.HasBTF,
		HasMaps:      hasMaps || len(info.Maps) > 0,
		ProgramNames: info.Programs,
		MapNames:     info.Maps,
		License:      license,
		PinnedPath:   pinnedPath,
		LoadedAt:     time.Now(),
	}
	if hasText {
		prog.TextSize = sections[".text"].Size
	}
	l.programs[programID] = prog

	l.logger.Info("loaded program",
		"program_id", programID,
		"path", fullPath,
		"type", programType,
		"sections", len(sections),
		"btf", prog.HasBTF,
		"pinned", pinnedPath != "")
	return programID, prog.Clone(), nil
}

// loadViaBpftool loads the object into the kernel and pins it under
// the bpffs root. Returns the pin path, or empty when no kernel-
// visible handle was produced. Three outcomes are deliberately
// non-fatal: bpftool absent, invocation timeout, non-zero exit.
func (l *Loader) loadViaBpftool(ctx context.Context, fullPath string) string {
	if _, err := l.runner.LookPath("bpftool"); err != nil {
		l.logger.Debug("bpftool not found, skipping kernel load")
		return ""
	}

	stem := strings.TrimSuffix(filepath.Base(fullPath), ".o")
	pinPath := l.cfg.BpffsRoot().PinPath(stem)
	if err := os.MkdirAll(filepath.Dir(pinPath), 0o755); err != nil {
		l.logger.Warn("could not create pin directory", "path", pinPath, "error", err)
		return ""
	}

	res, err := l.runner.Run(ctx, bpftoolLoadTimeout, "bpftool", "prog", "load", fullPath, pinPath)
	if err != nil {
		l.logger.Warn("bpftool prog load did not complete", "path", fullPath, "error", err)
		return ""
	}
	if !res.Ok() {
		l.logger.Warn("bpftool prog load failed", "path", fullPath, "stderr", strings.TrimSpace(res.Stderr))
		return ""
	}

	l.logger.Info("program pinned", "pin", pinPath)
	return pinPath
}

// Unload removes a program from tracking and best-effort removes its
// bpffs pin. Returns false only when the program ID is unknown;
// unpinning failures are logged but never block the removal of
// tracking state. Callers must ensure the program is detached first.
func (l *Loader) Unload(ctx context.Context, programID string) bool {
	prog, ok := l.programs[programID]
	if !ok {
		l.logger.Warn("unload of unknown program", "program_id", programID)
		return false
	}

	if prog.PinnedPath != "" {
		if err := os.Remove(prog.PinnedPath); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("failed to unpin program", "pin", prog.PinnedPath, "error", err)
		} else {
			l.logger.Debug("unpinned program", "pin", prog.PinnedPath)
		}
	}

	delete(l.programs, programID)
	l.logger.Info("unloaded program", "program_id", programID)
	return true
}

// Get returns a copy of the program's metadata.
func (l *Loader) Get(programID string) (meshbpf.LoadedProgram, bool) {
	prog, ok := l.programs[programID]
	if !ok {
		return meshbpf.LoadedProgram{}, false
	}
	return prog.Clone(), true
}

// List returns a copy of all tracked programs keyed by program ID.
func (l *Loader) List() map[string]meshbpf.LoadedProgram {
	out := make(map[string]meshbpf.LoadedProgram, len(l.programs))
	for id, prog := range l.programs {
		out[id] = prog.Clone()
	}
	return out
}

// SetAttached stamps the interface and mode a program is attached to.
// Called by the orchestrator after a verified attach.
func (l *Loader) SetAttached(programID, iface, mode string) {
	if prog, ok := l.programs[programID]; ok {
		prog.AttachedTo = iface
		prog.AttachMode = mode
	}
}

// ClearAttached clears the attachment stamp after a detach.
func (l *Loader) ClearAttached(programID string) {
	if prog, ok := l.programs[programID]; ok {
		prog.AttachedTo = ""
		prog.AttachMode = ""
	}
}
