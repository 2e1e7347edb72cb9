package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "journal")
	require.NoError(t, WriteFileAtomic(target, []byte("first")))
	require.NoError(t, WriteFileAtomic(target, []byte("second")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestRenameDurable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	from := filepath.Join(dir, "a")
	to := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0o600))
	require.NoError(t, RenameDurable(from, to))
	_, err := os.Stat(from)
	assert.True(t, os.IsNotExist(err))
}

func TestLockRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gamecache.lock")
	l, err := AcquireLock(path, false)
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l, err = AcquireLock(path, false)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}
