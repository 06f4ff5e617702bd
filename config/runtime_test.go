package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidPaths(t *testing.T) {
	rt, err := New("/var/lib/meshbpf/programs", "/sys/fs/bpf", "/var/lib/meshbpf/journal.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/meshbpf/programs", rt.ProgramsDir())
	assert.Equal(t, "/sys/fs/bpf", rt.BpffsRoot().String())
	assert.Equal(t, "/var/lib/meshbpf/journal.db", rt.JournalPath())
}

func TestNew_EmptyJournalDisablesIt(t *testing.T) {
	rt, err := New("/p", "/b", "")
	require.NoError(t, err)
	assert.Empty(t, rt.JournalPath())
}

func TestNew_RejectsRelativePaths(t *testing.T) {
	_, err := New("programs", "/sys/fs/bpf", "")
	assert.Error(t, err)

	_, err = New("/p", "bpf", "")
	assert.Error(t, err)

	_, err = New("/p", "/b", "journal.db")
	assert.Error(t, err)
}

func TestNew_RejectsEmptyRequiredPaths(t *testing.T) {
	_, err := New("", "/b", "")
	assert.Error(t, err)

	_, err = New("/p", "", "")
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	rt := Default()
	assert.Equal(t, "/sys/fs/bpf", rt.BpffsRoot().String())
	assert.NotEmpty(t, rt.ProgramsDir())
}
