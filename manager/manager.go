// Package manager composes the loader, attach manager, and map
// manager into one program lifecycle API: load, attach, observe,
// detach, unload, cleanup. It adds the safety nets the individual
// components deliberately do not have: auto-detach before unload,
// best-effort teardown on shutdown, and durable journalling for crash
// recovery.
package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/attach"
	"github.com/x0tta6bl4/meshbpf/bpfmaps"
	"github.com/x0tta6bl4/meshbpf/config"
	"github.com/x0tta6bl4/meshbpf/journal"
	"github.com/x0tta6bl4/meshbpf/loader"
	"github.com/x0tta6bl4/meshbpf/toolexec"
)

// Manager orchestrates the full program lifecycle. A single mutex
// serialises all operations: the underlying kernel tools are not safe
// against concurrent invocation, and the components themselves assume
// one caller.
type Manager struct {
	mu sync.Mutex

	cfg        config.Runtime
	loader     *loader.Loader
	attacher   *attach.Manager
	maps       *bpfmaps.Manager
	journal    journal.Journal
	recorder   meshbpf.EventRecorder
	logger     *slog.Logger
	strategies map[meshbpf.ProgramType]strategy
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	runner      toolexec.Runner
	journal     journal.Journal
	recorder    meshbpf.EventRecorder
	sysClassNet string
}

// WithRunner overrides the subprocess runner. Used in tests.
func WithRunner(r toolexec.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithJournal supplies a journal for durable lifecycle records.
// Defaults to the no-op journal.
func WithJournal(j journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithRecorder supplies an observability event recorder. Defaults to
// the no-op recorder.
func WithRecorder(r meshbpf.EventRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithSysClassNet overrides the /sys/class/net root. Used in tests.
func WithSysClassNet(dir string) Option {
	return func(o *options) { o.sysClassNet = dir }
}

// New creates a Manager over the given runtime configuration. The
// bpftool availability probe for map operations runs here, so the
// context should carry a short deadline if construction must not
// block.
func New(ctx context.Context, cfg config.Runtime, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	o := options{
		runner:      toolexec.NewRunner(),
		journal:     journal.Nop{},
		recorder:    meshbpf.NopRecorder{},
		sysClassNet: attach.DefaultSysClassNet,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:      cfg,
		loader:   loader.New(cfg, o.runner, logger),
		attacher: attach.New(o.runner, logger, attach.WithSysClassNet(o.sysClassNet)),
		maps:     bpfmaps.New(ctx, o.runner, logger),
		journal:  o.journal,
		recorder: o.recorder,
		logger:   logger.With("component", "manager"),
	}
	m.strategies = m.newStrategies()
	return m
}

// LoadProgram loads one object file and starts tracking it. The
// journal write is best-effort: a journalling failure is logged but
// does not undo a successful load.
func (m *Manager) LoadProgram(ctx context.Context, programPath string, programType meshbpf.ProgramType) (string, meshbpf.LoadedProgram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadProgramLocked(ctx, programPath, programType)
}

func (m *Manager) loadProgramLocked(ctx context.Context, programPath string, programType meshbpf.ProgramType) (string, meshbpf.LoadedProgram, error) {
	id, prog, err := m.loader.Load(ctx, programPath, programType)
	if err != nil {
		return "", meshbpf.LoadedProgram{}, err
	}

	if err := m.journal.RecordLoad(ctx, journal.Record{
		ProgramID: id,
		Path:      prog.Path,
		Type:      prog.Type,
		PinPath:   prog.PinnedPath,
		LoadedAt:  prog.LoadedAt,
	}); err != nil {
		m.logger.Warn("failed to journal load", "program_id", id, "error", err)
	}

	m.recorder.ProgramLoaded(programType, prog.SizeBytes)
	return id, prog, nil
}

// AttachToInterface attaches a loaded program to a network interface,
// dispatching by the program's recorded type. Only XDP and TC programs
// are attachable through this orchestrator.
func (m *Manager) AttachToInterface(ctx context.Context, programID, iface string, mode meshbpf.AttachMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prog, ok := m.loader.Get(programID)
	if !ok {
		return &meshbpf.AttachError{
			Interface: iface,
			Msg:       fmt.Sprintf("unknown program %q", programID),
		}
	}

	strat, ok := m.strategies[prog.Type]
	if !ok {
		return &meshbpf.AttachError{
			Interface: iface,
			Msg:       fmt.Sprintf("programs of type %s cannot be attached to an interface", prog.Type),
		}
	}

	usedMode, err := strat.attach(ctx, prog.Path, iface, mode, programID)
	if err != nil {
		return err
	}

	m.loader.SetAttached(programID, iface, usedMode)
	if err := m.journal.RecordAttach(ctx, programID, iface, usedMode); err != nil {
		m.logger.Warn("failed to journal attach", "program_id", programID, "error", err)
	}
	m.recorder.ProgramEvent(meshbpf.EventAttach, prog.Type)
	return nil
}

// DetachFromInterface detaches a program from an interface. Returns
// false without error when the program or its attachment on that
// interface is unknown; a failed detach command returns the error with
// tracked state unchanged.
func (m *Manager) DetachFromInterface(ctx context.Context, programID, iface string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(ctx, programID, iface)
}

func (m *Manager) detachLocked(ctx context.Context, programID, iface string) (bool, error) {
	prog, ok := m.loader.Get(programID)
	if !ok {
		m.logger.Warn("detach of unknown program", "program_id", programID)
		return false, nil
	}

	var att *meshbpf.Attachment
	for _, a := range m.attacher.InterfaceAttachments(iface) {
		if a.ProgramID == programID {
			att = &a
			break
		}
	}
	if att == nil {
		m.logger.Warn("program has no attachment on interface",
			"program_id", programID, "interface", iface)
		return false, nil
	}

	strat, ok := m.strategies[att.Type]
	if !ok {
		return false, &meshbpf.AttachError{
			Interface: iface,
			Msg:       fmt.Sprintf("no detach strategy for program type %s", att.Type),
		}
	}
	if err := strat.detach(ctx, iface); err != nil {
		return false, err
	}

	m.attacher.RemoveAttachment(iface, programID)
	m.loader.ClearAttached(programID)
	if err := m.journal.RecordDetach(ctx, programID); err != nil {
		m.logger.Warn("failed to journal detach", "program_id", programID, "error", err)
	}
	m.recorder.ProgramEvent(meshbpf.EventDetach, prog.Type)
	return true, nil
}

// UnloadProgram unloads a program, auto-detaching it from any
// interface it is still attached to first. An unload never leaves a
// kernel-attached-but-untracked program behind: detach failures are
// logged and the attachment records are dropped regardless.
func (m *Manager) UnloadProgram(ctx context.Context, programID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, programID)
}

func (m *Manager) unloadLocked(ctx context.Context, programID string) bool {
	prog, known := m.loader.Get(programID)

	for iface, atts := range m.attacher.Attachments() {
		for _, att := range atts {
			if att.ProgramID != programID {
				continue
			}
			m.logger.Warn("auto-detaching program before unload",
				"program_id", programID, "interface", iface)
			if strat, ok := m.strategies[att.Type]; ok {
				if err := strat.detach(ctx, iface); err != nil {
					m.logger.Error("auto-detach failed", "program_id", programID,
						"interface", iface, "error", err)
				}
			}
			m.attacher.RemoveAttachment(iface, programID)
		}
	}

	if !m.loader.Unload(ctx, programID) {
		return false
	}
	if err := m.journal.RecordUnload(ctx, programID); err != nil {
		m.logger.Warn("failed to journal unload", "program_id", programID, "error", err)
	}
	if known {
		m.recorder.ProgramEvent(meshbpf.EventProgramUnload, prog.Type)
	}
	return true
}

// Cleanup tears everything down: every tracked attachment is detached
// and every tracked program unloaded. Individual failures are logged
// and skipped; cleanup never fails and never stops early, so a partial
// failure still removes as much kernel state as possible.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("cleaning up all programs and attachments")

	for iface, atts := range m.attacher.Attachments() {
		for _, att := range atts {
			if strat, ok := m.strategies[att.Type]; ok {
				if err := strat.detach(ctx, iface); err != nil {
					m.logger.Error("cleanup detach failed",
						"interface", iface, "program_id", att.ProgramID, "error", err)
				}
			}
			m.attacher.RemoveAttachment(iface, att.ProgramID)
			m.loader.ClearAttached(att.ProgramID)
		}
	}

	for id := range m.loader.List() {
		if m.loader.Unload(ctx, id) {
			if err := m.journal.RecordUnload(ctx, id); err != nil {
				m.logger.Warn("failed to journal unload", "program_id", id, "error", err)
			}
		}
	}

	m.recorder.ProgramEvent(meshbpf.EventCleanup, "")
	m.logger.Info("cleanup complete")
}

// LoadPrograms bulk-loads every .o file found directly in the programs
// directory, guessing each file's program type from its name. Files
// that fail to load are logged and skipped. Returns the IDs of the
// programs that loaded.
func (m *Manager) LoadPrograms(ctx context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	pattern := filepath.Join(m.cfg.ProgramsDir(), "*.o")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		m.logger.Error("bad programs directory glob", "pattern", pattern, "error", err)
		return nil
	}
	sort.Strings(matches)

	var ids []string
	for _, path := range matches {
		stem := strings.TrimSuffix(filepath.Base(path), ".o")
		programType := meshbpf.GuessProgramType(stem)
		id, _, err := m.loadProgramLocked(ctx, path, programType)
		if err != nil {
			m.logger.Warn("skipping program that failed to load", "path", path, "error", err)
			continue
		}
		ids = append(ids, id)
	}

	m.logger.Info("bulk load complete", "found", len(matches), "loaded", len(ids))
	return ids
}

// Stats reads the packet counters from the kernel.
func (m *Manager) Stats(ctx context.Context) meshbpf.PacketStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps.Stats(ctx)
}

// UpdateRoutes writes the routing table into the mesh_routes map.
// Returns overall success plus the destinations that failed.
func (m *Manager) UpdateRoutes(ctx context.Context, routes map[string]string) (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps.UpdateRoutes(ctx, routes)
}

// ListMaps returns the kernel maps bpftool can see.
func (m *Manager) ListMaps(ctx context.Context) []bpfmaps.MapInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps.ListMaps(ctx)
}

// ListLoadedPrograms returns a copy of all tracked programs.
func (m *Manager) ListLoadedPrograms() map[string]meshbpf.LoadedProgram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loader.List()
}

// InterfacePrograms returns the IDs of the programs attached to the
// interface, oldest attachment first.
func (m *Manager) InterfacePrograms(iface string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	atts := m.attacher.InterfaceAttachments(iface)
	ids := make([]string, 0, len(atts))
	for _, a := range atts {
		ids = append(ids, a.ProgramID)
	}
	return ids
}

// Attachments returns a copy of the interface to attachments map.
func (m *Manager) Attachments() map[string][]meshbpf.Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attacher.Attachments()
}
