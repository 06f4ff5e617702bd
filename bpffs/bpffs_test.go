package bpffs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMountInfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIsMounted_FindsBpfMount(t *testing.T) {
	// Real-world line including optional "shared:N" field.
	path := writeMountInfo(t, `22 26 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
30 22 0:27 / /sys/fs/bpf rw,nosuid shared:9 - bpf bpf rw,mode=700
`)

	mounted, err := IsMounted(path, "/sys/fs/bpf")
	require.NoError(t, err)
	assert.True(t, mounted)
}

func TestIsMounted_WrongFsType(t *testing.T) {
	path := writeMountInfo(t, "30 22 0:27 / /sys/fs/bpf rw,nosuid - tmpfs tmpfs rw\n")

	mounted, err := IsMounted(path, "/sys/fs/bpf")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestIsMounted_NoEntry(t *testing.T) {
	path := writeMountInfo(t, "22 26 0:21 / /sys rw - sysfs sysfs rw\n")

	mounted, err := IsMounted(path, "/sys/fs/bpf")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestIsMounted_MissingMountInfo(t *testing.T) {
	_, err := IsMounted(filepath.Join(t.TempDir(), "nope"), "/sys/fs/bpf")
	assert.Error(t, err)
}

func TestPinPath(t *testing.T) {
	r := Root("/sys/fs/bpf")
	assert.Equal(t, "/sys/fs/bpf/x0tta6bl4_xdp_filter", r.PinPath("xdp_filter"))
}

func TestListPins_FiltersByPrefix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{PinPrefix + "xdp_filter", PinPrefix + "tc_meter", "other_pin"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	pins, err := Root(dir).ListPins()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, PinPrefix+"xdp_filter"),
		filepath.Join(dir, PinPrefix+"tc_meter"),
	}, pins)
}

func TestListPins_MissingRoot(t *testing.T) {
	_, err := Root(filepath.Join(t.TempDir(), "nope")).ListPins()
	assert.Error(t, err)
}
