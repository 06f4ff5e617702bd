package manager

import (
	"context"

	"github.com/x0tta6bl4/meshbpf"
)

// strategy bundles the attach and detach operations for one program
// type. Registered once per Manager so that adding a new attachable
// type means adding one registry entry, not editing dispatch chains.
type strategy struct {
	// attach attaches the object file and returns the mode used.
	attach func(ctx context.Context, programPath, iface string, mode meshbpf.AttachMode, programID string) (string, error)
	// detach removes all programs of this type from the interface.
	detach func(ctx context.Context, iface string) error
}

// newStrategies builds the program-type registry. CGROUP_SKB and
// SOCKET_FILTER programs are loadable but have no interface attachment
// semantics, so they get no entry.
func (m *Manager) newStrategies() map[meshbpf.ProgramType]strategy {
	return map[meshbpf.ProgramType]strategy{
		meshbpf.ProgramTypeXDP: {
			attach: m.attacher.AttachXDP,
			detach: m.attacher.DetachXDP,
		},
		meshbpf.ProgramTypeTC: {
			attach: func(ctx context.Context, programPath, iface string, _ meshbpf.AttachMode, programID string) (string, error) {
				return "", m.attacher.AttachTC(ctx, programPath, iface, programID)
			},
			detach: m.attacher.DetachTC,
		},
	}
}
