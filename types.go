// Package meshbpf defines the domain types for the x0tta6bl4 eBPF
// subsystem: program and attachment records, program types, XDP attach
// modes, and the error kinds surfaced to callers.
package meshbpf

import "strings"

// ProgramType represents the kind of eBPF program a compiled object
// file contains. It determines which attach strategy applies.
type ProgramType string

const (
	ProgramTypeXDP          ProgramType = "xdp"
	ProgramTypeTC           ProgramType = "tc"
	ProgramTypeCgroupSKB    ProgramType = "cgroup_skb"
	ProgramTypeSocketFilter ProgramType = "socket_filter"
)

// String returns the string representation of the program type.
func (t ProgramType) String() string { return string(t) }

// ParseProgramType parses a string into a ProgramType.
// Returns the type and true if valid, or empty string and false.
func ParseProgramType(s string) (ProgramType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xdp":
		return ProgramTypeXDP, true
	case "tc":
		return ProgramTypeTC, true
	case "cgroup_skb":
		return ProgramTypeCgroupSKB, true
	case "socket_filter":
		return ProgramTypeSocketFilter, true
	default:
		return "", false
	}
}

// GuessProgramType infers a program type from an object file's base
// name. Files mentioning "xdp" are XDP, files mentioning "tc" are TC,
// and anything else defaults to XDP. Used by bulk loading where no
// explicit type is given.
func GuessProgramType(stem string) ProgramType {
	lower := strings.ToLower(stem)
	switch {
	case strings.Contains(lower, "xdp"):
		return ProgramTypeXDP
	case strings.Contains(lower, "tc"):
		return ProgramTypeTC
	default:
		return ProgramTypeXDP
	}
}

// AttachMode represents the requested XDP attachment mode.
type AttachMode string

const (
	// AttachModeSKB is the generic mode. Works on every driver,
	// slowest path.
	AttachModeSKB AttachMode = "skb"
	// AttachModeDRV is the native driver mode.
	AttachModeDRV AttachMode = "drv"
	// AttachModeHW is hardware offload. Rarely supported.
	AttachModeHW AttachMode = "hw"
)

// String returns the string representation of the attach mode.
func (m AttachMode) String() string { return string(m) }

// ParseAttachMode parses a string into an AttachMode.
func ParseAttachMode(s string) (AttachMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skb", "generic":
		return AttachModeSKB, true
	case "drv", "driver", "native":
		return AttachModeDRV, true
	case "hw", "offload":
		return AttachModeHW, true
	default:
		return "", false
	}
}

// Candidates returns the kernel-level XDP modes to try, in order, for
// the requested mode. A caller asking for the fastest mode is willing
// to degrade to slower ones; a caller asking for SKB explicitly is
// never silently upgraded. The exact ladder is policy, not kernel
// truth: which modes actually work varies by kernel and driver.
func (m AttachMode) Candidates() []string {
	switch m {
	case AttachModeHW:
		return []string{"offload", "drv", "skb"}
	case AttachModeDRV:
		return []string{"drv", "skb"}
	default:
		return []string{"skb"}
	}
}

// PacketStats is the fixed four-counter view of the packet_stats map.
// Recomputed from the kernel map on every read; never cached.
type PacketStats struct {
	TotalPackets     uint64 `json:"total_packets"`
	PassedPackets    uint64 `json:"passed_packets"`
	DroppedPackets   uint64 `json:"dropped_packets"`
	ForwardedPackets uint64 `json:"forwarded_packets"`
}
