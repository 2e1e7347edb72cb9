package gamecache

import (
	"fmt"
	"maps"
	"slices"

	"github.com/meigma/gamecache/internal/container"
	"github.com/meigma/gamecache/internal/integrity"
	"github.com/meigma/gamecache/internal/reftable"
)

// Indices returns the ids of every index, in ascending order.
func (c *Cache) Indices() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int, 0, len(c.indices))
	for _, id := range slices.Sorted(maps.Keys(c.indices)) {
		out = append(out, int(id))
	}
	return out
}

// Archives returns the archive ids of an index in ascending order.
func (c *Cache) Archives(index int) ([]int, error) {
	idx, err := c.index(index)
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	ids := idx.table.IDs()
	idx.mu.RUnlock()
	return toInts(ids), nil
}

// Files returns the file ids of an archive in ascending order.
func (c *Cache) Files(index, archive int) ([]int, error) {
	entry, err := c.entry(index, archive)
	if err != nil {
		return nil, err
	}
	return toInts(entry.FileIDs()), nil
}

// Revision returns the revision of an archive.
func (c *Cache) Revision(index, archive int) (int32, error) {
	entry, err := c.entry(index, archive)
	if err != nil {
		return 0, err
	}
	return entry.Revision, nil
}

// NextArchiveID returns one past the highest archive id of an index. It
// fails with ErrSizeOverflow when the highest id is already maxArchiveID.
func (c *Cache) NextArchiveID(index int) (int, error) {
	idx, err := c.index(index)
	if err != nil {
		return 0, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	next, ok := idx.table.NextID()
	if !ok || next > maxArchiveID {
		return 0, fmt.Errorf("%w: index %d has no archive id left", ErrSizeOverflow, index)
	}
	return int(next), nil
}

// ArchiveID looks up an archive by name.
func (c *Cache) ArchiveID(index int, name string) (int, error) {
	idx, err := c.index(index)
	if err != nil {
		return 0, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.table.Flags.Has(reftable.FlagNames) {
		return 0, fmt.Errorf("%w: index %d does not record names", ErrNotFound, index)
	}
	id, ok := idx.table.Lookup(reftable.NameHash(name))
	if !ok {
		return 0, fmt.Errorf("%w: index %d has no archive named %q", ErrNotFound, index, name)
	}
	return int(id), nil
}

// Archive describes one archive. The stored container is read to report its
// compression.
func (c *Cache) Archive(index, archive int) (ArchiveInfo, error) {
	idx, id, err := c.lookup(index, archive)
	if err != nil {
		return ArchiveInfo{}, err
	}
	st, err := c.readStored(idx, id)
	if err != nil {
		return ArchiveInfo{}, err
	}
	h, err := container.Peek(st.raw)
	if err != nil {
		return ArchiveInfo{}, fmt.Errorf("index %d archive %d: %w", index, archive, err)
	}
	e := st.entry
	info := ArchiveInfo{
		Index:           index,
		ID:              archive,
		NameHash:        e.NameHash,
		Revision:        e.Revision,
		CRC:             e.CRC,
		Compression:     h.Compression,
		StoredLen:       len(st.raw),
		CompressedLen:   int(e.CompressedLen),
		UncompressedLen: int(e.UncompressedLen),
		Files:           toInts(e.FileIDs()),
	}
	if st.digests {
		info.Whirlpool = slices.Clone(e.Digest[:])
	}
	return info, nil
}

// MasterChecksums returns the checksum of every stored reference table, as
// published in a checksum table.
func (c *Cache) MasterChecksums() ([]IndexChecksum, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	all := c.allIndices()
	c.mu.RUnlock()

	out := make([]IndexChecksum, 0, len(all))
	for _, idx := range all {
		if idx == c.master {
			continue
		}
		row, ok, err := c.tableChecksum(idx)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (c *Cache) tableChecksum(idx *index) (IndexChecksum, bool, error) {
	idx.mu.RLock()
	revision, archives := idx.table.Revision, idx.table.Len()
	idx.mu.RUnlock()

	c.master.mu.RLock()
	defer c.master.mu.RUnlock()
	ptr, ok := c.master.pointers.Get(uint32(idx.id))
	if !ok {
		return IndexChecksum{}, false, nil
	}
	raw, err := c.master.data.store.Read(MasterIndex, uint32(idx.id), ptr.Sector, int(ptr.Length))
	if err != nil {
		return IndexChecksum{}, false, fmt.Errorf("index %d reference table: %w", idx.id, err)
	}
	region, err := container.Checksummed(raw)
	if err != nil {
		return IndexChecksum{}, false, fmt.Errorf("index %d reference table: %w", idx.id, err)
	}
	sums := integrity.Compute(region, true)
	return IndexChecksum{
		Index:     int(idx.id),
		CRC:       sums.CRC,
		Whirlpool: sums.Whirlpool[:],
		Revision:  revision,
		Archives:  archives,
		StoredLen: len(raw),
	}, true, nil
}

// Manifest returns the checksums of every archive of an index.
func (c *Cache) Manifest(index int) ([]ManifestEntry, error) {
	idx, err := c.index(index)
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	ids := idx.table.IDs()
	idx.mu.RUnlock()

	out := make([]ManifestEntry, 0, len(ids))
	for _, id := range ids {
		st, err := c.readStored(idx, id)
		if err != nil {
			return nil, err
		}
		e := ManifestEntry{
			Archive:  int(id),
			Revision: st.entry.Revision,
			CRC:      st.entry.CRC,
			Digest:   integrity.Content(st.raw),
			Size:     len(st.raw),
		}
		if st.digests {
			e.Whirlpool = slices.Clone(st.entry.Digest[:])
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Cache) entry(index, archive int) (reftable.Archive, error) {
	idx, err := c.index(index)
	if err != nil {
		return reftable.Archive{}, err
	}
	id, err := checkID("archive", archive, maxArchiveID, ErrNotFound)
	if err != nil {
		return reftable.Archive{}, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.table.Get(id)
	if !ok {
		return reftable.Archive{}, fmt.Errorf("%w: index %d archive %d", ErrNotFound, index, archive)
	}
	return e, nil
}

func toInts(ids []uint32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
