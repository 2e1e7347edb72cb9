package gamecache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gamecache/internal/sector"
	"github.com/meigma/gamecache/internal/testutil"
)

func TestRebuildDropsDamagedArchives(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t, WithDecodedCacheSize(0))
	newIndex(t, c, 1)
	for id := 1; id <= 3; id++ {
		_, err := c.WriteArchive(1, id, testutil.Payload(uint64(id), 900), WithCompression(CompressionNone))
		require.NoError(t, err)
	}
	start := chainStart(t, c, 1, 2)
	flipByte(t, filepath.Join(dir, "main_file_cache.dat2.1"), int64(start)*sector.Size+sector.HeaderLen+40)
	require.ErrorIs(t, c.Verify(t.Context()), ErrCorruption)

	report, err := c.Rebuild(1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Index)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, []int{2}, report.Dropped)
	assert.Empty(t, report.Orphans)
	assert.Positive(t, report.FreeSectors)

	ids, err := c.Archives(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, ids)
	require.NoError(t, c.Verify(t.Context()))

	c = reopen(t, c)
	got, err := c.ReadArchive(1, 3)
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(3, 900), got)
}

func TestRebuildClearsOrphanPointers(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	newIndex(t, c, 1)
	for id := 1; id <= 2; id++ {
		_, err := c.WriteArchive(1, id, testutil.Payload(uint64(id), 900))
		require.NoError(t, err)
	}
	// Drop the table entry of archive 2 but keep its pointer.
	idx, err := c.opened(1)
	require.NoError(t, err)
	require.NoError(t, c.commit(idx, []change{{id: 2, keep: true}}, nil))
	_, ok := idx.pointers.Get(2)
	require.True(t, ok)

	report, err := c.Rebuild(1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, report.Orphans)
	assert.Empty(t, report.Dropped)
	_, ok = idx.pointers.Get(2)
	assert.False(t, ok)

	got, err := c.ReadArchive(1, 1)
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(1, 900), got)
}

func TestRebuildRecoversUnreadableTable(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 1)
	for id := range 3 {
		_, err := c.WriteArchive(1, id, testutil.Payload(uint64(id), 700))
		require.NoError(t, err)
	}
	p, ok := c.master.pointers.Get(1)
	require.True(t, ok)
	flipByte(t, filepath.Join(dir, "main_file_cache.dat2.255"), int64(p.Sector)*sector.Size+sector.HeaderLen+1)

	c = reopen(t, c)
	_, err := c.ReadArchive(1, 0)
	require.ErrorIs(t, err, ErrFormat)
	require.Error(t, c.Verify(t.Context()))
	assert.Equal(t, []int{1}, c.Indices())

	report, err := c.Rebuild(1)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Dropped)

	for id := range 3 {
		got, err := c.ReadArchive(1, id)
		require.NoError(t, err)
		assert.Equal(t, testutil.Payload(uint64(id), 700), got)
		rev, err := c.Revision(1, id)
		require.NoError(t, err)
		assert.Equal(t, int32(1), rev)
	}
	require.NoError(t, c.Verify(t.Context()))
}

func TestDefragmentCompactsBlockFile(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 2)
	path := filepath.Join(dir, "main_file_cache.dat2.2")
	for id := range 20 {
		_, err := c.WriteArchive(2, id, testutil.Payload(uint64(id), 1200), WithCompression(CompressionNone))
		require.NoError(t, err)
	}
	for id := 0; id < 20; id += 2 {
		require.NoError(t, c.Remove(2, id))
	}
	before := fileSize(t, path)

	require.NoError(t, c.Defragment(2))
	after := fileSize(t, path)
	assert.Less(t, after, before)
	assert.Equal(t, int64(31*sector.Size), after)
	assert.NoFileExists(t, path+compactSuffix)
	assert.NoFileExists(t, filepath.Join(dir, journalName))

	check := func(c *Cache) {
		for id := 1; id < 20; id += 2 {
			got, err := c.ReadArchive(2, id)
			require.NoError(t, err)
			assert.Equal(t, testutil.Payload(uint64(id), 1200), got)
		}
	}
	check(c)

	// Writes after the swap land in the new file.
	_, err := c.WriteArchive(2, 40, []byte("after"))
	require.NoError(t, err)
	check(reopen(t, c))
}

func TestDefragmentSharedLayout(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t, WithLayout(LayoutShared))
	path := filepath.Join(dir, "main_file_cache.dat2")
	for _, index := range []int{0, 1} {
		newIndex(t, c, index)
		for id := range 10 {
			_, err := c.WriteArchive(index, id, testutil.Payload(uint64(index*100+id), 800))
			require.NoError(t, err)
		}
		for id := range 5 {
			require.NoError(t, c.Remove(index, id))
		}
	}
	before := fileSize(t, path)

	require.NoError(t, c.Defragment(0))
	assert.Less(t, fileSize(t, path), before)
	require.NoError(t, c.Verify(t.Context()))

	c = reopen(t, c)
	for _, index := range []int{0, 1} {
		for id := 5; id < 10; id++ {
			got, err := c.ReadArchive(index, id)
			require.NoError(t, err)
			assert.Equal(t, testutil.Payload(uint64(index*100+id), 800), got)
		}
	}
}

func TestDefragmentMasterIndex(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	newIndex(t, c, 0)
	newIndex(t, c, 1)
	for i := range 5 {
		_, err := c.WriteArchive(i%2, i, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, c.Defragment(MasterIndex))

	c = reopen(t, c)
	sums, err := c.MasterChecksums()
	require.NoError(t, err)
	require.Len(t, sums, 2)
	got, err := c.ReadArchive(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestDefragmentRollsForwardOnOpen(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 3)
	path := filepath.Join(dir, "main_file_cache.dat2.3")
	for id := range 6 {
		_, err := c.WriteArchive(3, id, testutil.Payload(uint64(id), 2000), WithCompression(CompressionNone))
		require.NoError(t, err)
	}
	for id := range 3 {
		require.NoError(t, c.Remove(3, id))
	}
	before := fileSize(t, path)

	// Stop after the journal is durable, before any file is renamed.
	idx, err := c.opened(3)
	require.NoError(t, err)
	release := c.quiesce()
	rec, err := c.compact(idx.data, []*index{idx})
	require.NoError(t, err)
	require.NoError(t, c.journal.Write(rec))
	release()
	require.NoError(t, c.Close())

	c = openCache(t, dir)
	assert.Less(t, fileSize(t, path), before)
	assert.NoFileExists(t, path+compactSuffix)
	for id := 3; id < 6; id++ {
		got, err := c.ReadArchive(3, id)
		require.NoError(t, err)
		assert.Equal(t, testutil.Payload(uint64(id), 2000), got)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t, WithDecodedCacheSize(0))
	for _, index := range []int{0, 1, 2} {
		newIndex(t, c, index, IndexWithDigests())
		for id := range 10 {
			_, err := c.WriteArchive(index, id, testutil.Payload(uint64(id), 1000), WithKey(testKey))
			require.NoError(t, err)
		}
	}
	require.NoError(t, c.Verify(t.Context()))

	start := chainStart(t, c, 1, 4)
	flipByte(t, filepath.Join(dir, "main_file_cache.dat2.1"), int64(start)*sector.Size+sector.HeaderLen+30)
	err := c.Verify(t.Context())
	require.ErrorIs(t, err, ErrCorruption)
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, 4, ce.Archive)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, c.Verify(ctx), context.Canceled)
}

func TestRebuildTo(t *testing.T) {
	t.Parallel()

	keys := KeyMap{1: {0: testKey}}
	c, _ := newCache(t, WithKeys(keys))
	newIndex(t, c, 0, IndexWithNames())
	newIndex(t, c, 1, IndexWithDigests())
	_, err := c.WriteFiles(0, 3, map[int][]byte{0: []byte("a"), 4: testutil.Payload(4, 3000)}, WithName("group"))
	require.NoError(t, err)
	_, err = c.WriteArchive(1, 0, testutil.Compressible(5000))
	require.NoError(t, err)
	for range 3 {
		_, err = c.WriteArchive(1, 70_000, []byte("large id"))
		require.NoError(t, err)
	}
	require.NoError(t, c.Remove(0, 3))
	_, err = c.WriteFiles(0, 3, map[int][]byte{0: []byte("a"), 4: testutil.Payload(4, 3000)}, WithName("group"))
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, c.RebuildTo(out))
	require.Error(t, c.RebuildTo(out))
	require.ErrorIs(t, c.RebuildTo(c.Dir()), ErrFormat)

	dst := openCache(t, out, WithKeys(keys))
	assert.Equal(t, c.Indices(), dst.Indices())

	got, err := dst.ReadFile(0, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(4, 3000), got)
	id, err := dst.ArchiveID(0, "group")
	require.NoError(t, err)
	assert.Equal(t, 3, id)
	got, err = dst.ReadArchive(1, 0)
	require.NoError(t, err)
	assert.Equal(t, testutil.Compressible(5000), got)
	rev, err := dst.Revision(1, 70_000)
	require.NoError(t, err)
	assert.Equal(t, int32(3), rev)

	srcSums, err := c.MasterChecksums()
	require.NoError(t, err)
	dstSums, err := dst.MasterChecksums()
	require.NoError(t, err)
	require.Len(t, dstSums, len(srcSums))
	for i := range srcSums {
		assert.Equal(t, srcSums[i].Revision, dstSums[i].Revision)
		assert.Equal(t, srcSums[i].Archives, dstSums[i].Archives)
	}
	require.NoError(t, dst.Verify(t.Context()))
}
