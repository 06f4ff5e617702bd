// Package attach manages XDP and TC attachment of eBPF programs to
// network interfaces via the ip and tc command-line tools, tracking
// which programs are attached where.
package attach

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/toolexec"
)

const (
	// DefaultSysClassNet is where the kernel exposes network interfaces.
	DefaultSysClassNet = "/sys/class/net"

	linkTimeout   = 5 * time.Second
	qdiscTimeout  = 5 * time.Second
	attachTimeout = 10 * time.Second
	detachTimeout = 10 * time.Second
)

// virtualPrefixes name interface families where XDP/TC attachment is
// usually pointless or unsupported. Attaching is allowed but warned.
var virtualPrefixes = []string{"lo", "docker", "veth", "br-", "virbr"}

// QdiscPolicy controls how a failed clsact qdisc add is treated during
// a TC attach. Which failures are benign varies by kernel version, so
// this is policy, not kernel truth.
type QdiscPolicy int

const (
	// TolerateExistingQdisc treats a qdisc add failure as benign;
	// the qdisc usually already exists from a prior run.
	TolerateExistingQdisc QdiscPolicy = iota
	// RequireQdiscAdd fails the TC attach when the qdisc add fails.
	RequireQdiscAdd
)

// Manager attaches and detaches programs on network interfaces and
// tracks the resulting attachments per interface. It does not own
// program lifecycle; program IDs are opaque back-references.
type Manager struct {
	runner      toolexec.Runner
	logger      *slog.Logger
	sysClassNet string
	qdiscPolicy QdiscPolicy
	attachments map[string][]meshbpf.Attachment
}

// Option configures a Manager.
type Option func(*Manager)

// WithSysClassNet overrides the /sys/class/net root. Used in tests.
func WithSysClassNet(dir string) Option {
	return func(m *Manager) { m.sysClassNet = dir }
}

// WithQdiscPolicy sets how TC attach handles a failed clsact qdisc
// add. Defaults to TolerateExistingQdisc.
func WithQdiscPolicy(p QdiscPolicy) Option {
	return func(m *Manager) { m.qdiscPolicy = p }
}

// New creates a Manager. A nil runner gets the default exec-backed
// runner; a nil logger discards.
func New(runner toolexec.Runner, logger *slog.Logger, opts ...Option) *Manager {
	if runner == nil {
		runner = toolexec.NewRunner()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		runner:      runner,
		logger:      logger.With("component", "attach"),
		sysClassNet: DefaultSysClassNet,
		attachments: make(map[string][]meshbpf.Attachment),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// VerifyInterface checks that the interface exists and is
// administratively up. An interface that is down gets one remediation
// attempt via "ip link set up"; if that fails the verification fails.
func (m *Manager) VerifyInterface(ctx context.Context, name string) error {
	ifacePath := filepath.Join(m.sysClassNet, name)
	if _, err := os.Stat(ifacePath); err != nil {
		return &meshbpf.AttachError{Interface: name, Msg: "interface not found", Err: err}
	}

	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			m.logger.Warn("attaching to a virtual interface", "interface", name)
			break
		}
	}

	state := "unknown"
	if raw, err := os.ReadFile(filepath.Join(ifacePath, "operstate")); err == nil {
		state = strings.TrimSpace(string(raw))
	}
	if state == "up" {
		return nil
	}

	m.logger.Info("interface is not up, attempting to bring it up",
		"interface", name, "operstate", state)
	res, err := m.runner.Run(ctx, linkTimeout, "ip", "link", "set", "dev", name, "up")
	if err != nil {
		return &meshbpf.AttachError{Interface: name, Msg: "could not bring interface up", Err: err}
	}
	if !res.Ok() {
		return &meshbpf.AttachError{
			Interface: name,
			Msg:       fmt.Sprintf("could not bring interface up: %s", strings.TrimSpace(res.Stderr)),
		}
	}
	return nil
}

// AttachXDP attaches the object file to the interface as an XDP
// program, walking the requested mode's candidate list from fastest to
// slowest until one attach both succeeds and verifies. Returns the
// mode that took.
func (m *Manager) AttachXDP(ctx context.Context, programPath, iface string, mode meshbpf.AttachMode, programID string) (string, error) {
	if err := m.VerifyInterface(ctx, iface); err != nil {
		return "", err
	}
	if existing, ok := m.find(iface, programID); ok {
		m.logger.Warn("program already attached, skipping",
			"interface", iface, "program_id", programID, "mode", existing.Mode)
		return existing.Mode, nil
	}

	candidates := mode.Candidates()
	for _, candidate := range candidates {
		args := []string{"link", "set", "dev", iface, "xdp", "obj", programPath, "sec", ".text"}
		if candidate != "skb" {
			args = append(args, "mode", candidate)
		}
		res, err := m.runner.Run(ctx, attachTimeout, "ip", args...)
		if err != nil {
			m.logger.Debug("xdp attach did not complete", "interface", iface, "mode", candidate, "error", err)
			continue
		}
		if !res.Ok() {
			m.logger.Debug("xdp attach rejected",
				"interface", iface, "mode", candidate, "stderr", strings.TrimSpace(res.Stderr))
			continue
		}
		if !m.xdpActive(ctx, iface) {
			m.logger.Debug("xdp attach exited zero but did not verify",
				"interface", iface, "mode", candidate)
			continue
		}

		m.record(iface, meshbpf.Attachment{
			ProgramID:  programID,
			Type:       meshbpf.ProgramTypeXDP,
			Mode:       candidate,
			AttachedAt: time.Now(),
		})
		m.logger.Info("attached XDP program", "interface", iface, "mode", candidate, "program_id", programID)
		return candidate, nil
	}

	return "", &meshbpf.AttachError{
		Interface: iface,
		Msg:       fmt.Sprintf("all XDP modes failed (%s)", strings.Join(candidates, ", ")),
	}
}

// AttachTC attaches the object file as an ingress TC BPF filter. A
// clsact qdisc is added first; that step may fail when the qdisc
// already exists, which is tolerated. The filter add itself is fatal
// on failure.
func (m *Manager) AttachTC(ctx context.Context, programPath, iface, programID string) error {
	if err := m.VerifyInterface(ctx, iface); err != nil {
		return err
	}
	if existing, ok := m.find(iface, programID); ok {
		m.logger.Warn("program already attached, skipping",
			"interface", iface, "program_id", programID, "type", existing.Type)
		return nil
	}

	res, err := m.runner.Run(ctx, qdiscTimeout, "tc", "qdisc", "add", "dev", iface, "clsact")
	if err != nil || !res.Ok() {
		if m.qdiscPolicy == RequireQdiscAdd {
			return &meshbpf.AttachError{
				Interface: iface,
				Msg:       fmt.Sprintf("clsact qdisc add failed: %s", strings.TrimSpace(res.Stderr)),
				Err:       err,
			}
		}
		m.logger.Debug("clsact qdisc add failed, likely already present",
			"interface", iface, "stderr", strings.TrimSpace(res.Stderr))
	}

	res, err = m.runner.Run(ctx, attachTimeout, "tc",
		"filter", "add", "dev", iface, "ingress", "bpf", "da", "obj", programPath, "sec", ".text")
	if err != nil {
		return &meshbpf.AttachError{Interface: iface, Msg: "tc filter add did not complete", Err: err}
	}
	if !res.Ok() {
		return &meshbpf.AttachError{
			Interface: iface,
			Msg:       fmt.Sprintf("tc filter add failed: %s", strings.TrimSpace(res.Stderr)),
		}
	}

	m.record(iface, meshbpf.Attachment{
		ProgramID:  programID,
		Type:       meshbpf.ProgramTypeTC,
		AttachedAt: time.Now(),
	})
	m.logger.Info("attached TC program", "interface", iface, "program_id", programID)
	return nil
}

// DetachXDP removes any XDP program from the interface and re-verifies
// that none remains. Tracked attachment records are not touched;
// callers remove them once the detach is confirmed.
func (m *Manager) DetachXDP(ctx context.Context, iface string) error {
	res, err := m.runner.Run(ctx, detachTimeout, "ip", "link", "set", "dev", iface, "xdp", "off")
	if err != nil {
		return &meshbpf.AttachError{Interface: iface, Msg: "xdp detach did not complete", Err: err}
	}
	if !res.Ok() {
		return &meshbpf.AttachError{
			Interface: iface,
			Msg:       fmt.Sprintf("xdp detach failed: %s", strings.TrimSpace(res.Stderr)),
		}
	}
	if m.xdpActive(ctx, iface) {
		return &meshbpf.AttachError{Interface: iface, Msg: "xdp program still attached after detach"}
	}
	m.logger.Info("detached XDP program", "interface", iface)
	return nil
}

// DetachTC removes the ingress TC filters from the interface.
func (m *Manager) DetachTC(ctx context.Context, iface string) error {
	res, err := m.runner.Run(ctx, detachTimeout, "tc", "filter", "del", "dev", iface, "ingress")
	if err != nil {
		return &meshbpf.AttachError{Interface: iface, Msg: "tc detach did not complete", Err: err}
	}
	if !res.Ok() {
		return &meshbpf.AttachError{
			Interface: iface,
			Msg:       fmt.Sprintf("tc detach failed: %s", strings.TrimSpace(res.Stderr)),
		}
	}
	m.logger.Info("detached TC program", "interface", iface)
	return nil
}

// xdpActive reports whether ip link show says an XDP program is live
// on the interface. A show failure counts as not active.
func (m *Manager) xdpActive(ctx context.Context, iface string) bool {
	res, err := m.runner.Run(ctx, linkTimeout, "ip", "link", "show", "dev", iface)
	if err != nil || !res.Ok() {
		m.logger.Debug("ip link show failed during xdp verification", "interface", iface, "error", err)
		return false
	}
	return strings.Contains(res.Stdout, "xdp") && !strings.Contains(res.Stdout, "xdp off")
}

// InterfaceAttachments returns a copy of the attachments tracked for
// the interface, oldest first. Unknown interfaces yield an empty slice.
func (m *Manager) InterfaceAttachments(iface string) []meshbpf.Attachment {
	out := make([]meshbpf.Attachment, len(m.attachments[iface]))
	copy(out, m.attachments[iface])
	return out
}

// RemoveAttachment drops the first tracked attachment matching the
// program on the interface. The interface key itself is removed once
// its list empties. Returns false when nothing matched.
func (m *Manager) RemoveAttachment(iface, programID string) bool {
	list, ok := m.attachments[iface]
	if !ok {
		return false
	}
	for i, a := range list {
		if a.ProgramID != programID {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(m.attachments, iface)
		} else {
			m.attachments[iface] = list
		}
		return true
	}
	return false
}

// Attachments returns a copy of the full interface to attachments map.
func (m *Manager) Attachments() map[string][]meshbpf.Attachment {
	out := make(map[string][]meshbpf.Attachment, len(m.attachments))
	for iface, list := range m.attachments {
		cp := make([]meshbpf.Attachment, len(list))
		copy(cp, list)
		out[iface] = cp
	}
	return out
}

func (m *Manager) record(iface string, a meshbpf.Attachment) {
	m.attachments[iface] = append(m.attachments[iface], a)
}

func (m *Manager) find(iface, programID string) (meshbpf.Attachment, bool) {
	for _, a := range m.attachments[iface] {
		if a.ProgramID == programID {
			return a, true
		}
	}
	return meshbpf.Attachment{}, false
}
