// Package bpffs handles the BPF filesystem: pin path construction for
// the product prefix, mount detection, and scanning existing pins.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMountInfoPath is the path to the mountinfo file.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// DefaultRoot is where the kernel bpffs is conventionally mounted.
	DefaultRoot = "/sys/fs/bpf"

	// PinPrefix namespaces every pin this product creates, so a
	// scan can tell our pins apart from anything else under bpffs.
	PinPrefix = "x0tta6bl4_"

	// mountinfo lines on some nodes/runtimes get very long; this
	// bound prevents bufio.ErrTooLong while scanning.
	scanMaxLineLen = 1024 * 1024
)

// Root is a bpffs mount point path. The newtype prevents passing
// arbitrary strings where a bpffs root is expected.
type Root string

// String returns the path as a string.
func (r Root) String() string { return string(r) }

// PinPath returns the pin location for an object file's stem, e.g.
// PinPath("/sys/fs/bpf", "xdp_filter") -> /sys/fs/bpf/x0tta6bl4_xdp_filter.
func (r Root) PinPath(stem string) string {
	return filepath.Join(string(r), PinPrefix+stem)
}

// ListPins returns the paths of all entries directly under the root
// that carry the product prefix. Entries created by other tools are
// ignored.
func (r Root) ListPins() ([]string, error) {
	entries, err := os.ReadDir(string(r))
	if err != nil {
		return nil, fmt.Errorf("reading bpffs root %s: %w", r, err)
	}
	var pins []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), PinPrefix) {
			pins = append(pins, filepath.Join(string(r), e.Name()))
		}
	}
	return pins, nil
}

// IsMounted reports whether a bpffs is mounted at mountPoint according
// to mountInfoPath (normally /proc/self/mountinfo).
//
// Each mountinfo line reads:
//
//	mount_id parent_id major:minor root mount_point options [optional...] - fstype source super_options
//
// The " - " separator must be located by string search: optional
// fields of varying count sit between the options and the separator,
// so the fstype has no fixed field position.
func IsMounted(mountInfoPath, mountPoint string) (bool, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), scanMaxLineLen)

	for scanner.Scan() {
		line := scanner.Text()

		sepIdx := strings.Index(line, " - ")
		if sepIdx == -1 {
			continue
		}

		fields := strings.Fields(line[:sepIdx])
		if len(fields) < 5 {
			continue
		}
		mntPoint := fields[4]

		suffixFields := strings.Fields(line[sepIdx+3:])
		if len(suffixFields) < 1 {
			continue
		}
		fsType := suffixFields[0]

		if mntPoint == mountPoint && fsType == "bpf" {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}
	return false, nil
}

// IsBpffs reports whether the filesystem backing path is a bpffs, via
// a statfs magic probe. Cheaper than mountinfo parsing but answers a
// slightly different question: it matches bind-mounted subtrees too.
func IsBpffs(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Type == unix.BPF_FS_MAGIC, nil
}

// Mount mounts a bpffs at mountPoint, creating the directory if needed.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("mount point exists but is not a directory")
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return fmt.Errorf("creating mount point directory: %w", err)
		}
	default:
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := syscall.Mount("bpffs", mountPoint, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount syscall: %w", err)
	}
	return nil
}

// EnsureMounted checks mountInfoPath for a bpf mount at mountPoint and
// mounts one if none is found.
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	return Mount(mountPoint)
}
