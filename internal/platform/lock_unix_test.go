//go:build unix

package platform

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gamecache.lock")
	l, err := AcquireLock(path, false)
	require.NoError(t, err)
	defer l.Release()

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	_, err = AcquireLock(path, false)
	require.ErrorIs(t, err, ErrLocked)
	_, err = AcquireLock(path, true)
	require.ErrorIs(t, err, ErrLocked)
}

func TestSharedLocksCoexist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gamecache.lock")
	a, err := AcquireLock(path, true)
	require.NoError(t, err)
	defer a.Release()
	b, err := AcquireLock(path, true)
	require.NoError(t, err)
	defer b.Release()

	_, err = AcquireLock(path, false)
	require.ErrorIs(t, err, ErrLocked)
}
