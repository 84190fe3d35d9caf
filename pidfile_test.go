package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon", "tether.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFileSecondLockFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)
	defer cleanup()

	_, err = writePIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestWritePIDFileEmptyPath(t *testing.T) {
	_, err := writePIDFile("")
	require.Error(t, err)
}

func TestReadPIDFileInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	_, err := readPIDFile(path)
	require.Error(t, err)
}

func TestSendSIGHUPNoDaemon(t *testing.T) {
	err := sendSIGHUP(filepath.Join(t.TempDir(), "absent.pid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running daemon")
}
