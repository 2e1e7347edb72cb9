package gamecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "main_file_cache.idx255", pointerName(MasterIndex))
	assert.Equal(t, "main_file_cache.idx7", pointerName(7))
	assert.Equal(t, "main_file_cache.dat2", dataName(LayoutShared, 7))
	assert.Equal(t, "main_file_cache.dat2.7", dataName(LayoutPerIndex, 7))
}

func TestDetectLayout(t *testing.T) {
	t.Parallel()

	empty := t.TempDir()
	layout, err := detectLayout(empty, LayoutShared)
	require.NoError(t, err)
	assert.Equal(t, LayoutShared, layout, "fallback for a new directory")

	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "main_file_cache.dat2"), nil, 0o600))
	layout, err = detectLayout(shared, LayoutPerIndex)
	require.NoError(t, err)
	assert.Equal(t, LayoutShared, layout)

	perIndex := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(perIndex, "main_file_cache.dat2.255"), nil, 0o600))
	layout, err = detectLayout(perIndex, LayoutShared)
	require.NoError(t, err)
	assert.Equal(t, LayoutPerIndex, layout)
}

func TestDiscoverIndices(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{
		"main_file_cache.idx0", "main_file_cache.idx12", "main_file_cache.idx255",
		"main_file_cache.idx300", "main_file_cache.idxfoo", "main_file_cache.dat2",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	ids, err := discoverIndices(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 12}, ids)
}
