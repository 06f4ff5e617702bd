package meshbpf

import (
	"slices"
	"time"
)

// LoadedProgram holds the metadata tracked for a program loaded through
// the Program Loader, keyed by its generated program ID.
//
// All fields except AttachedTo and AttachMode are fixed at load time.
// AttachedTo is stamped by the orchestrator when an attachment succeeds
// and cleared on detach; it is the only mutable field post-load.
type LoadedProgram struct {
	// Path is the absolute path to the .o file.
	Path string `json:"path"`
	// Type is the declared program type, immutable after load.
	Type ProgramType `json:"type"`
	// SizeBytes is the object file size.
	SizeBytes int64 `json:"size_bytes"`
	// Sections lists the allow-listed ELF section names found.
	Sections []string `json:"sections"`
	// TextSize is the size of the .text section, zero if absent.
	TextSize uint64 `json:"text_size"`
	// HasBTF reports whether the object carries BTF type metadata.
	HasBTF bool `json:"has_btf"`
	// HasMaps reports whether the object declares BPF maps.
	HasMaps bool `json:"has_maps"`
	// ProgramNames lists programs found by collection inspection.
	ProgramNames []string `json:"program_names,omitempty"`
	// MapNames lists maps found by collection inspection.
	MapNames []string `json:"map_names,omitempty"`
	// License is the program license from the license section.
	// Defaults to "GPL" when the section is absent.
	License string `json:"license"`
	// PinnedPath is the bpffs pin created by the external loader,
	// empty when the load produced no kernel-visible handle.
	PinnedPath string `json:"pinned_path,omitempty"`
	// AttachedTo is the interface the program is attached to, empty
	// when detached.
	AttachedTo string `json:"attached_to,omitempty"`
	// AttachMode is the XDP mode the attachment ended up using.
	AttachMode string `json:"attach_mode,omitempty"`
	// LoadedAt is when the loader recorded the program.
	LoadedAt time.Time `json:"loaded_at"`
}

// Clone returns a copy safe to hand out without aliasing the loader's
// internal record.
func (p LoadedProgram) Clone() LoadedProgram {
	out := p
	out.Sections = slices.Clone(p.Sections)
	out.ProgramNames = slices.Clone(p.ProgramNames)
	out.MapNames = slices.Clone(p.MapNames)
	return out
}

// Attachment records one program attached to one interface.
// The ProgramID is a weak back-reference; the attach manager does not
// own program lifecycle.
type Attachment struct {
	ProgramID string `json:"program_id"`
	// Type is "xdp" or "tc".
	Type ProgramType `json:"type"`
	// Mode is the XDP mode that ultimately succeeded, empty for TC.
	Mode string `json:"mode,omitempty"`
	// AttachedAt is when the attachment was recorded.
	AttachedAt time.Time `json:"attached_at"`
}
