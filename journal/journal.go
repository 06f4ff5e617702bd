// Package journal persists program load and attach records so a
// restarted process can reconcile bpffs pins and interface state left
// behind by a previous run. The journal is an audit surface for
// garbage collection, not the source of truth: the loader's in-memory
// tracking drives normal operation.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/x0tta6bl4/meshbpf"
)

// ErrNotFound is returned when a program ID has no journal record.
var ErrNotFound = errors.New("journal: record not found")

// Record is one journalled program.
type Record struct {
	ProgramID string
	Path      string
	Type      meshbpf.ProgramType
	PinPath   string
	Interface string
	Mode      string
	LoadedAt  time.Time
}

// Journal records the load/attach lifecycle durably.
type Journal interface {
	// RecordLoad persists a newly loaded program.
	RecordLoad(ctx context.Context, rec Record) error
	// RecordAttach stamps the interface and mode onto the record.
	RecordAttach(ctx context.Context, programID, iface, mode string) error
	// RecordDetach clears the interface and mode.
	RecordDetach(ctx context.Context, programID string) error
	// RecordUnload removes the record.
	RecordUnload(ctx context.Context, programID string) error
	// Get returns the record for a program ID, or ErrNotFound.
	Get(ctx context.Context, programID string) (Record, error)
	// List returns all records ordered by load time.
	List(ctx context.Context) ([]Record, error)
	// PinPaths returns the non-empty pin paths of all records.
	PinPaths(ctx context.Context) ([]string, error)
	// Close releases the underlying storage.
	Close() error
}

// Nop is a Journal that records nothing. Used when journalling is
// disabled by configuration.
type Nop struct{}

func (Nop) RecordLoad(context.Context, Record) error             { return nil }
func (Nop) RecordAttach(context.Context, string, string, string) error { return nil }
func (Nop) RecordDetach(context.Context, string) error           { return nil }
func (Nop) RecordUnload(context.Context, string) error           { return nil }
func (Nop) Get(context.Context, string) (Record, error)          { return Record{}, ErrNotFound }
func (Nop) List(context.Context) ([]Record, error)               { return nil, nil }
func (Nop) PinPaths(context.Context) ([]string, error)           { return nil, nil }
func (Nop) Close() error                                         { return nil }
