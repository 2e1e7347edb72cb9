package gamecache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gamecache/internal/journal"
	"github.com/meigma/gamecache/internal/testutil"
)

var errCrash = errors.New("simulated crash")

func TestFailureBeforeJournalKeepsOldArchive(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 1)
	old := testutil.Payload(1, 3000)
	_, err := c.WriteArchive(1, 2, old)
	require.NoError(t, err)

	c.beforeCommit = func() error { return errCrash }
	_, err = c.WriteArchive(1, 2, testutil.Payload(2, 3000))
	require.ErrorIs(t, err, errCrash)
	assert.NoFileExists(t, filepath.Join(dir, journalName))

	got, err := c.ReadArchive(1, 2)
	require.NoError(t, err)
	assert.Equal(t, old, got)
	rev, err := c.Revision(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), rev)

	// The cache stays usable and the abandoned sectors are reused.
	c.beforeCommit = nil
	size := fileSize(t, filepath.Join(dir, "main_file_cache.dat2.1"))
	_, err = c.WriteArchive(1, 2, testutil.Payload(3, 3000))
	require.NoError(t, err)
	assert.Equal(t, size, fileSize(t, filepath.Join(dir, "main_file_cache.dat2.1")))

	c = reopen(t, c)
	got, err = c.ReadArchive(1, 2)
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(3, 3000), got)
}

func TestFailedNewArchiveLeavesNoEntry(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	newIndex(t, c, 1)
	c.beforeCommit = func() error { return errCrash }
	_, err := c.WriteArchive(1, 9, []byte("never"))
	require.ErrorIs(t, err, errCrash)

	c = reopen(t, c)
	_, err = c.ReadArchive(1, 9)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJournalRollsForwardOnOpen(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 1)
	_, err := c.WriteArchive(1, 2, []byte("first"))
	require.NoError(t, err)

	c.afterJournal = func() error { return errCrash }
	_, err = c.WriteArchive(1, 2, []byte("second"))
	require.ErrorIs(t, err, errCrash)
	assert.FileExists(t, filepath.Join(dir, journalName))

	// Nothing more is written until the cache is reopened.
	_, err = c.WriteArchive(1, 3, []byte("blocked"))
	require.ErrorIs(t, err, errCrash)

	_, err = Open(dir, WithReadOnly(true))
	require.Error(t, err)

	c = reopen(t, c)
	assert.NoFileExists(t, filepath.Join(dir, journalName))
	got, err := c.ReadArchive(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	rev, err := c.Revision(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), rev)
	require.NoError(t, c.Verify(t.Context()))
}

func TestPendingJournalBlocksReadOnlyOpen(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 1)
	c.afterJournal = func() error { return errCrash }
	_, err := c.WriteArchive(1, 0, []byte("pending"))
	require.ErrorIs(t, err, errCrash)
	require.NoError(t, c.Close())

	_, err = Open(dir, WithReadOnly(true))
	require.ErrorIs(t, err, ErrReadOnly)

	c = openCache(t, dir)
	got, err := c.ReadArchive(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), got)
}

func TestReplayedSwapsAreIdempotent(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 1)
	_, err := c.WriteArchive(1, 0, []byte("applied"))
	require.NoError(t, err)

	// A journal whose swaps were already applied before the crash.
	idx, err := c.opened(1)
	require.NoError(t, err)
	archivePtr, ok := idx.pointers.Get(0)
	require.True(t, ok)
	tablePtr, ok := c.master.pointers.Get(1)
	require.True(t, ok)
	require.NoError(t, c.Close())

	j := journal.New(filepath.Join(dir, journalName))
	require.NoError(t, j.Write(journal.Record{Swaps: []journal.Swap{
		{Index: 1, Archive: 0, Pointer: archivePtr},
		{Index: MasterIndex, Archive: 1, Pointer: tablePtr},
	}}))

	c = openCache(t, dir)
	got, err := c.ReadArchive(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("applied"), got)
}

func TestRemoveFreesSectorsForOtherArchives(t *testing.T) {
	t.Parallel()

	c, dir := newCache(t)
	newIndex(t, c, 1)
	_, err := c.WriteFiles(1, 0, map[int][]byte{0: testutil.Payload(1, 2500), 1: testutil.Payload(2, 2500)},
		WithCompression(CompressionNone))
	require.NoError(t, err)
	size := fileSize(t, filepath.Join(dir, "main_file_cache.dat2.1"))

	require.NoError(t, c.Remove(1, 0))
	_, err = c.WriteArchive(1, 1, testutil.Payload(3, 4000), WithCompression(CompressionNone))
	require.NoError(t, err)
	assert.Equal(t, size, fileSize(t, filepath.Join(dir, "main_file_cache.dat2.1")))
}
