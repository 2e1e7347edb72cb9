package gamecache

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/meigma/gamecache/internal/container"
	"github.com/meigma/gamecache/internal/group"
	"github.com/meigma/gamecache/internal/integrity"
	"github.com/meigma/gamecache/internal/journal"
	"github.com/meigma/gamecache/internal/metrics"
	"github.com/meigma/gamecache/internal/pointer"
	"github.com/meigma/gamecache/internal/reftable"
)

// member is one sub-file of an archive being rewritten.
type member struct {
	id       uint32
	nameHash int32
	data     []byte
}

// change replaces or removes one archive in a commit.
type change struct {
	id uint32
	// entry is nil when the archive is removed.
	entry *reftable.Archive
	// ptr is the new chain, zero when removed.
	ptr pointer.Pointer
	// sectors were allocated for the new chain and are released if the
	// commit fails before its journal is durable.
	sectors []uint32
	// keep leaves the pointer and chain alone and only updates the entry.
	keep bool
}

// WriteArchive stores data as a single-file archive, replacing the archive
// if it exists. It returns the new archive revision.
func (c *Cache) WriteArchive(index, archive int, data []byte, opts ...OpOption) (int32, error) {
	return c.mutate(index, archive, opts, false, func(_ []member, o opConfig) ([]member, error) {
		m := member{id: 0, data: data}
		if o.fileName != nil {
			m.nameHash = *o.fileName
		}
		return []member{m}, nil
	})
}

// WriteFile stores data as one sub-file of an archive. The other files of
// the archive are kept; the archive is created if it does not exist.
func (c *Cache) WriteFile(index, archive, file int, data []byte, opts ...OpOption) (int32, error) {
	fid, err := checkID("file", file, maxFileID, ErrFormat)
	if err != nil {
		return 0, err
	}
	return c.mutate(index, archive, opts, true, func(cur []member, o opConfig) ([]member, error) {
		m := member{id: fid, data: data}
		i, found := slices.BinarySearchFunc(cur, fid, func(e member, id uint32) int {
			return cmp.Compare(e.id, id)
		})
		if found {
			m.nameHash = cur[i].nameHash
			cur[i] = m
		} else {
			cur = slices.Insert(cur, i, m)
		}
		if o.fileName != nil {
			cur[i].nameHash = *o.fileName
		}
		return cur, nil
	})
}

// WriteFiles replaces the whole content of an archive with files, keyed by
// file id.
func (c *Cache) WriteFiles(index, archive int, files map[int][]byte, opts ...OpOption) (int32, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("%w: archive needs at least one file", ErrFormat)
	}
	next := make([]member, 0, len(files))
	for file, data := range files {
		fid, err := checkID("file", file, maxFileID, ErrFormat)
		if err != nil {
			return 0, err
		}
		next = append(next, member{id: fid, data: data})
	}
	slices.SortFunc(next, func(a, b member) int { return cmp.Compare(a.id, b.id) })
	return c.mutate(index, archive, opts, false, func([]member, opConfig) ([]member, error) {
		return next, nil
	})
}

// Remove deletes an archive: its table entry is dropped, its pointer zeroed
// and its sectors returned to the free list.
func (c *Cache) Remove(index, archive int) error {
	if err := c.writable(); err != nil {
		return err
	}
	idx, err := c.index(index)
	if err != nil {
		return err
	}
	id, err := checkID("archive", archive, maxArchiveID, ErrNotFound)
	if err != nil {
		return err
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	idx.mu.RLock()
	entry, ok := idx.table.Get(id)
	idx.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: index %d archive %d", ErrNotFound, index, archive)
	}
	if err := c.commit(idx, []change{{id: id}}, nil); err != nil {
		return err
	}
	c.forget(idx.id, entry)
	c.metrics.Remove(index)
	c.log().Debug("removed archive", "index", index, "archive", archive)
	return nil
}

// RemoveFile deletes one sub-file. Removing the last file removes the
// archive.
func (c *Cache) RemoveFile(index, archive, file int, opts ...OpOption) error {
	fid, err := checkID("file", file, maxFileID, ErrNotFound)
	if err != nil {
		return err
	}
	_, err = c.mutate(index, archive, opts, true, func(cur []member, _ opConfig) ([]member, error) {
		i := slices.IndexFunc(cur, func(m member) bool { return m.id == fid })
		if i < 0 {
			return nil, fmt.Errorf("%w: index %d archive %d file %d", ErrNotFound, index, archive, file)
		}
		return slices.Delete(cur, i, i+1), nil
	})
	return err
}

// CreateIndex creates an empty index. Creating an index that already exists
// is a no-op.
func (c *Cache) CreateIndex(id int, opts ...IndexOption) error {
	if err := c.writable(); err != nil {
		return err
	}
	if id < 0 || id >= MasterIndex {
		return fmt.Errorf("%w: invalid index id %d", ErrFormat, id)
	}
	cfg := indexConfig{protocol: reftable.DefaultProtocol}
	for _, opt := range opts {
		opt(&cfg)
	}
	return c.createIndex(uint8(id), func(t *reftable.Table) {
		t.Protocol = cfg.protocol
		t.Flags = cfg.flags
	})
}

func (c *Cache) createIndex(id uint8, prepare func(*reftable.Table)) error {
	c.maintMu.Lock()
	defer c.maintMu.Unlock()

	c.mu.Lock()
	if _, ok := c.indices[id]; ok {
		c.mu.Unlock()
		return nil
	}
	idx, err := c.openIndex(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	idx.table = reftable.New(reftable.DefaultProtocol, 0)
	c.indices[id] = idx
	c.mu.Unlock()

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	if err := c.commit(idx, nil, prepare); err != nil {
		return err
	}
	c.log().Info("created index", "index", id)
	return nil
}

// mutate rewrites one archive. build receives the current files when
// needCurrent is set and returns the new ones; no files removes the archive.
func (c *Cache) mutate(index, archive int, opts []OpOption, needCurrent bool,
	build func([]member, opConfig) ([]member, error),
) (int32, error) {
	if err := c.writable(); err != nil {
		return 0, err
	}
	idx, err := c.index(index)
	if err != nil {
		return 0, err
	}
	id, err := checkID("archive", archive, maxArchiveID, ErrFormat)
	if err != nil {
		return 0, err
	}
	o := applyOps(opts)
	key := c.resolveKey(o, index, archive)

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	idx.mu.RLock()
	entry, exists := idx.table.Get(id)
	flags := idx.table.Flags
	idx.mu.RUnlock()

	var cur []member
	if exists && needCurrent {
		payload, _, err := c.load(idx, id, key)
		if err != nil {
			return 0, err
		}
		parts, err := splitFiles(entry, payload)
		if err != nil {
			return 0, fmt.Errorf("index %d archive %d: %w", index, archive, err)
		}
		cur = make([]member, len(parts))
		for i, f := range entry.Files {
			cur[i] = member{id: f.ID, nameHash: f.NameHash, data: parts[i]}
		}
	}

	files, err := build(cur, o)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		if err := c.commit(idx, []change{{id: id}}, nil); err != nil {
			return 0, err
		}
		c.forget(idx.id, entry)
		c.metrics.Remove(index)
		return 0, nil
	}

	rev := int32(1)
	if exists {
		rev = nextRevision(entry.Revision)
	}
	next, buf, err := c.encodeArchive(id, rev, files, flags, o, key)
	if err != nil {
		c.metrics.Write(index, metrics.ResultError, 0)
		return 0, fmt.Errorf("index %d archive %d: %w", index, archive, err)
	}
	switch {
	case o.name != nil:
		next.NameHash = *o.name
	case exists:
		next.NameHash = entry.NameHash
	}

	start, sectors, err := idx.data.store.Write(idx.id, id, buf)
	if err != nil {
		c.metrics.Write(index, metrics.ResultError, 0)
		return 0, fmt.Errorf("index %d archive %d: %w", index, archive, err)
	}
	ptr, err := pointer.New(len(buf), start)
	if err != nil {
		idx.data.store.Release(sectors)
		return 0, err
	}

	var prepare func(*reftable.Table)
	if o.name != nil || o.fileName != nil {
		prepare = func(t *reftable.Table) { t.Flags |= reftable.FlagNames }
	}
	if err := c.commit(idx, []change{{id: id, entry: &next, ptr: ptr, sectors: sectors}}, prepare); err != nil {
		c.metrics.Write(index, metrics.ResultError, 0)
		return 0, err
	}
	if exists {
		c.forget(idx.id, entry)
	}
	c.metrics.Write(index, metrics.ResultOK, len(buf))
	c.log().Debug("wrote archive", "index", index, "archive", archive, "revision", rev,
		"files", len(files), "stored", len(buf), "sectors", len(sectors))
	return rev, nil
}

// nextRevision bumps a revision, saturating at math.MaxInt32.
func nextRevision(rev int32) int32 {
	if rev == math.MaxInt32 {
		return rev
	}
	return rev + 1
}

// encodeArchive packs files into a container and builds its table entry.
func (c *Cache) encodeArchive(id uint32, rev int32, files []member, flags reftable.Flags,
	o opConfig, key Key,
) (reftable.Archive, []byte, error) {
	var payload []byte
	if len(files) == 1 {
		payload = files[0].data
	} else {
		datas := make([][]byte, len(files))
		for i, f := range files {
			datas[i] = f.data
		}
		var err error
		if payload, err = group.Pack(datas); err != nil {
			return reftable.Archive{}, nil, err
		}
	}

	kind := c.compression
	if o.compSet {
		kind = o.compression
	}
	buf, err := container.Encode(container.Container{
		Compression: kind,
		Data:        payload,
		Revision:    uint16(rev), //nolint:gosec // the trailer keeps the low 16 bits
		HasRevision: true,
	}, key)
	if err != nil {
		return reftable.Archive{}, nil, err
	}
	region := buf[:len(buf)-container.TrailerLen]
	sums := integrity.Compute(region, flags.Has(reftable.FlagDigests))

	a := reftable.Archive{
		ID:              id,
		CRC:             sums.CRC,
		Digest:          sums.Whirlpool,
		CompressedLen:   uint32(len(region)),  //nolint:gosec // bounded by the 24-bit pointer length
		UncompressedLen: uint32(len(payload)), //nolint:gosec // bounded by the container header
		Revision:        rev,
		Files:           make([]reftable.File, len(files)),
	}
	if flags.Has(reftable.FlagUncompressedChecksums) {
		a.UncompressedCRC = integrity.CRC(payload)
	}
	for i, f := range files {
		a.Files[i] = reftable.File{ID: f.id, NameHash: f.nameHash}
	}
	return a, buf, nil
}

// commit publishes changes to idx. The new archive chains must already be
// durable. The steps are: write the new reference table to the master
// index, journal the pointer swaps, apply them (index pointers first, the
// master pointer last), release the replaced chains and clear the journal.
//
// prepare may adjust the new table before it is encoded.
func (c *Cache) commit(idx *index, changes []change, prepare func(*reftable.Table)) error {
	releaseNew := func() {
		for _, ch := range changes {
			idx.data.store.Release(ch.sectors)
		}
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	idx.mu.RLock()
	next := idx.table.Clone()
	idx.mu.RUnlock()
	for _, ch := range changes {
		if ch.entry == nil {
			next.Delete(ch.id)
		} else {
			next.Set(*ch.entry)
		}
	}
	next.Revision++
	if prepare != nil {
		prepare(next)
	}

	encoded, err := reftable.Encode(next)
	if err != nil {
		releaseNew()
		return fmt.Errorf("index %d reference table: %w", idx.id, err)
	}
	tbuf, err := container.Encode(container.Container{Compression: c.tableCompression, Data: encoded}, Key{})
	if err != nil {
		releaseNew()
		return fmt.Errorf("index %d reference table: %w", idx.id, err)
	}
	master := c.master.data.store
	tstart, tsectors, err := master.Write(MasterIndex, uint32(idx.id), tbuf)
	if err != nil {
		releaseNew()
		return fmt.Errorf("index %d reference table: %w", idx.id, err)
	}
	releaseAll := func() {
		releaseNew()
		master.Release(tsectors)
	}
	tptr, err := pointer.New(len(tbuf), tstart)
	if err != nil {
		releaseAll()
		return err
	}

	if c.beforeCommit != nil {
		if err := c.beforeCommit(); err != nil {
			releaseAll()
			return err
		}
	}

	rec := journal.Record{Swaps: make([]journal.Swap, 0, len(changes)+1)}
	for _, ch := range changes {
		if !ch.keep {
			rec.Swaps = append(rec.Swaps, journal.Swap{Index: idx.id, Archive: ch.id, Pointer: ch.ptr})
		}
	}
	rec.Swaps = append(rec.Swaps, journal.Swap{Index: MasterIndex, Archive: uint32(idx.id), Pointer: tptr})
	if err := c.journal.Write(rec); err != nil {
		releaseAll()
		return err
	}

	if c.afterJournal != nil {
		if err := c.afterJournal(); err != nil {
			c.markBroken(err)
			return err
		}
	}

	// Trace the chains being replaced while they are still live.
	var oldArchives []uint32
	for _, ch := range changes {
		if !ch.keep {
			oldArchives = append(oldArchives, c.liveChain(idx, ch.id)...)
		}
	}
	oldTable := c.liveChain(c.master, uint32(idx.id))

	if err := c.swap(idx, changes, tptr, next, oldArchives, oldTable); err != nil {
		c.markBroken(err)
		return err
	}

	if err := c.journal.Clear(); err != nil {
		// A stale journal would roll later commits back on the next Open.
		c.markBroken(err)
		return err
	}

	c.metrics.Free(idx.data.name, idx.data.store.FreeCount())
	c.log().Debug("committed reference table", "index", idx.id, "revision", next.Revision,
		"archives", next.Len(), "changes", len(changes))
	return nil
}

// swap applies the journaled pointers, installs the new table and frees the
// replaced chains. Readers of idx and the master index are excluded for its
// duration.
func (c *Cache) swap(idx *index, changes []change, tptr pointer.Pointer, next *reftable.Table,
	oldArchives, oldTable []uint32,
) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c.master.mu.Lock()
	defer c.master.mu.Unlock()

	swapped := false
	for _, ch := range changes {
		if ch.keep {
			continue
		}
		swapped = true
		var err error
		if ch.ptr.Empty() {
			err = idx.pointers.Delete(ch.id)
		} else {
			err = idx.pointers.Put(ch.id, ch.ptr)
		}
		if err != nil {
			return err
		}
	}
	if swapped {
		if err := idx.pointers.Sync(); err != nil {
			return err
		}
	}
	if err := c.master.pointers.Put(uint32(idx.id), tptr); err != nil {
		return err
	}
	if err := c.master.pointers.Sync(); err != nil {
		return err
	}

	idx.table = next
	idx.loadErr = nil

	idx.data.store.Release(oldArchives)
	c.master.data.store.Release(oldTable)
	return nil
}

// liveChain returns the sectors of the chain currently recorded for archive.
// A damaged chain contributes the sectors that could be traced.
func (c *Cache) liveChain(idx *index, archive uint32) []uint32 {
	p, ok := idx.pointers.Get(archive)
	if !ok {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	sectors, err := idx.data.store.Chain(idx.id, archive, p.Sector, int(p.Length))
	if err != nil {
		c.log().Warn("replaced chain is damaged", "index", idx.id, "archive", archive, "error", err)
	}
	return sectors
}

func (c *Cache) markBroken(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = err
	}
	c.log().Error("commit failed after its journal was written; reopen the cache", "error", err)
}

// forget drops a replaced archive from the decoded cache.
func (c *Cache) forget(index uint8, entry reftable.Archive) {
	if c.decoded != nil {
		c.decoded.Remove(decodedKey{index: index, archive: entry.ID, crc: entry.CRC, revision: entry.Revision})
	}
}
