// Package config holds the runtime path configuration for meshbpf.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/x0tta6bl4/meshbpf/bpffs"
)

// Runtime holds the filesystem locations the subsystem works against:
//
//	programs dir  - compiled .o files, scanned by bulk load
//	bpffs root    - where bpftool pins loaded programs
//	journal path  - SQLite operation journal (empty disables it)
//
// Runtime is immutable after construction. Use New to create one;
// fields are unexported to prevent invalid instances.
type Runtime struct {
	programsDir string
	bpffsRoot   string
	journalPath string
}

// Default returns the production defaults. Panics if they are somehow
// invalid, which would be a programming error.
func Default() Runtime {
	rt, err := New("/var/lib/meshbpf/programs", bpffs.DefaultRoot, "/var/lib/meshbpf/journal.db")
	if err != nil {
		panic(fmt.Sprintf("config.Default: %v", err))
	}
	return rt
}

// New creates a Runtime. programsDir and bpffsRoot must be absolute;
// journalPath must be absolute or empty (empty disables the journal).
func New(programsDir, bpffsRoot, journalPath string) (Runtime, error) {
	if programsDir == "" || !filepath.IsAbs(programsDir) {
		return Runtime{}, fmt.Errorf("programs dir must be an absolute path, got %q", programsDir)
	}
	if bpffsRoot == "" || !filepath.IsAbs(bpffsRoot) {
		return Runtime{}, fmt.Errorf("bpffs root must be an absolute path, got %q", bpffsRoot)
	}
	if journalPath != "" && !filepath.IsAbs(journalPath) {
		return Runtime{}, fmt.Errorf("journal path must be absolute or empty, got %q", journalPath)
	}
	return Runtime{
		programsDir: programsDir,
		bpffsRoot:   bpffsRoot,
		journalPath: journalPath,
	}, nil
}

// ProgramsDir returns the directory holding compiled .o files.
func (r Runtime) ProgramsDir() string { return r.programsDir }

// BpffsRoot returns the bpffs mount point programs are pinned under.
func (r Runtime) BpffsRoot() bpffs.Root { return bpffs.Root(r.bpffsRoot) }

// JournalPath returns the journal database path, empty when disabled.
func (r Runtime) JournalPath() string { return r.journalPath }
