package gamecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/container"
	"github.com/meigma/gamecache/internal/integrity"
	"github.com/meigma/gamecache/internal/journal"
	"github.com/meigma/gamecache/internal/platform"
	"github.com/meigma/gamecache/internal/pointer"
	"github.com/meigma/gamecache/internal/reftable"
	"github.com/meigma/gamecache/internal/sector"
)

// quiesce blocks every writer until the returned function is called.
func (c *Cache) quiesce() func() {
	c.maintMu.Lock()
	c.mu.RLock()
	all := c.allIndices()
	c.mu.RUnlock()
	for _, idx := range all {
		idx.writeMu.Lock()
	}
	return func() {
		for i := len(all) - 1; i >= 0; i-- {
			all[i].writeMu.Unlock()
		}
		c.maintMu.Unlock()
	}
}

// Rebuild re-validates every archive of an index. Archives whose chain or
// checksums are bad are dropped from the reference table, pointer records
// without a table entry are cleared, the free list of the index's block file
// is rebuilt and the table is committed with a new revision.
//
// An index whose reference table could not be loaded gets a new table built
// from its pointer file, with one file per archive.
func (c *Cache) Rebuild(index int) (RebuildReport, error) {
	if err := c.writable(); err != nil {
		return RebuildReport{}, err
	}
	idx, err := c.opened(index)
	if err != nil {
		return RebuildReport{}, err
	}
	release := c.quiesce()
	defer release()

	idx.mu.RLock()
	table := idx.table.Clone()
	lost := idx.loadErr != nil
	idx.mu.RUnlock()

	report := RebuildReport{Index: index}
	var changes []change
	if lost {
		changes = c.recoverTable(idx, &report)
	} else {
		for _, id := range table.IDs() {
			report.Checked++
			if err := c.checkArchive(idx, id); err != nil {
				c.log().Warn("dropping unreadable archive", "index", index, "archive", id, "error", err)
				report.Dropped = append(report.Dropped, int(id))
				changes = append(changes, change{id: id})
			}
		}
		idx.pointers.Each(func(archive uint32, _ pointer.Pointer) {
			if _, ok := table.Get(archive); !ok {
				report.Orphans = append(report.Orphans, int(archive))
				changes = append(changes, change{id: archive})
			}
		})
	}

	if err := c.commit(idx, changes, nil); err != nil {
		return report, err
	}
	for _, ch := range changes {
		if e, ok := table.Get(ch.id); ok {
			c.forget(idx.id, e)
		}
	}
	report.FreeSectors = c.reclaim(idx.data)
	c.metrics.Maintained("rebuild")
	c.log().Info("rebuilt index", "index", index, "checked", report.Checked,
		"dropped", len(report.Dropped), "orphans", len(report.Orphans), "free", report.FreeSectors)
	return report, nil
}

// recoverTable builds table entries for every readable chain of idx.
func (c *Cache) recoverTable(idx *index, report *RebuildReport) []change {
	var changes []change
	idx.pointers.Each(func(archive uint32, p pointer.Pointer) {
		report.Checked++
		raw, err := idx.data.store.Read(idx.id, archive, p.Sector, int(p.Length))
		var h container.Header
		if err == nil {
			h, err = container.Peek(raw)
		}
		if err != nil {
			c.log().Warn("dropping unreadable archive", "index", idx.id, "archive", archive, "error", err)
			report.Dropped = append(report.Dropped, int(archive))
			changes = append(changes, change{id: archive})
			return
		}
		e := reftable.Archive{
			ID:            archive,
			CRC:           integrity.CRC(raw[:h.Length]),
			CompressedLen: uint32(h.Length), //nolint:gosec // bounded by the 24-bit pointer length
			Files:         []reftable.File{{ID: 0}},
		}
		if h.HasRevision {
			e.Revision = int32(h.Revision)
		}
		changes = append(changes, change{id: archive, entry: &e, keep: true})
	})
	c.log().Warn("recovered reference table from pointer file", "index", idx.id,
		"archives", len(changes)-len(report.Dropped))
	return changes
}

// checkArchive reads an archive's chain and checks its checksums and
// container framing without decoding it.
func (c *Cache) checkArchive(idx *index, id uint32) error {
	st, err := c.readStored(idx, id)
	if err != nil {
		return err
	}
	if err := c.verifyStored(idx, st); err != nil {
		return err
	}
	if _, err := container.Peek(st.raw); err != nil {
		return fmt.Errorf("index %d archive %d: %w", idx.id, id, err)
	}
	return nil
}

// Verify checks the chain, checksums and framing of every archive in
// parallel. It returns every failure joined, or the context error if ctx is
// done first.
func (c *Cache) Verify(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	all := c.allIndices()
	c.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	report := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	checked := 0
	for _, idx := range all {
		if idx == c.master {
			continue
		}
		idx.mu.RLock()
		ids, loadErr := idx.table.IDs(), idx.loadErr
		idx.mu.RUnlock()
		if loadErr != nil {
			report(loadErr)
			continue
		}
		for _, id := range ids {
			checked++
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := c.checkArchive(idx, id); err != nil {
					report(err)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.metrics.Maintained("verify")
	c.log().Info("verified cache", "archives", checked, "failures", len(errs))
	return errors.Join(errs...)
}

// Defragment rewrites the block file holding index so its live chains are
// stored back to back, then swaps the new block file and pointer files in.
// With LayoutShared the shared block file, and so every index, is compacted.
// Pass MasterIndex to compact the block file of the reference tables.
//
// Archives that cannot be read abort the defragmentation; run Rebuild first.
func (c *Cache) Defragment(id int) error {
	if err := c.writable(); err != nil {
		return err
	}
	target, err := c.maintained(id)
	if err != nil {
		return err
	}
	release := c.quiesce()
	defer release()

	bf := target.data
	c.mu.RLock()
	members := slices.DeleteFunc(c.allIndices(), func(idx *index) bool { return idx.data != bf })
	c.mu.RUnlock()
	before := bf.store.Count()

	rec, err := c.compact(bf, members)
	if err != nil {
		return err
	}
	if err := c.journal.Write(rec); err != nil {
		c.removeCompacted(rec)
		return err
	}
	if err := c.swapFiles(bf, members, rec.Renames); err != nil {
		c.markBroken(err)
		return err
	}
	if err := c.journal.Clear(); err != nil {
		c.markBroken(err)
		return err
	}

	free := c.reclaim(bf)
	c.metrics.Maintained("defragment")
	c.log().Info("defragmented block file", "file", bf.name,
		"sectors_before", before, "sectors_after", bf.store.Count(), "free", free)
	return nil
}

// maintained returns the index for a maintenance operation, which unlike
// reads and writes accepts MasterIndex.
func (c *Cache) maintained(id int) (*index, error) {
	if id != MasterIndex {
		return c.opened(id)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.master, nil
}

// compact copies every chain stored in bf into a new block file and writes
// matching pointer files next to the live ones. It returns the renames that
// install them.
func (c *Cache) compact(bf *blockFile, members []*index) (journal.Record, error) {
	rec := journal.Record{Renames: []journal.Rename{{From: bf.name + compactSuffix, To: bf.name}}}
	for _, idx := range members {
		name := pointerName(idx.id)
		rec.Renames = append(rec.Renames, journal.Rename{From: name + compactSuffix, To: name})
	}

	path := filepath.Join(c.dir, bf.name+compactSuffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // path is inside the cache directory
	if err != nil {
		return rec, cachetype.IOError(fmt.Errorf("create %s: %w", filepath.Base(path), err))
	}
	out, err := sector.Open(f)
	if err != nil {
		f.Close()
		c.removeCompacted(rec)
		return rec, err
	}

	fail := func(err error) (journal.Record, error) {
		out.Close()
		c.removeCompacted(rec)
		return rec, err
	}
	for _, idx := range members {
		ptrs := make(map[uint32]pointer.Pointer)
		var copyErr error
		idx.pointers.Each(func(archive uint32, p pointer.Pointer) {
			if copyErr != nil {
				return
			}
			raw, err := bf.store.Read(idx.id, archive, p.Sector, int(p.Length))
			if err != nil {
				copyErr = fmt.Errorf("index %d archive %d: %w", idx.id, archive, err)
				return
			}
			start, _, err := out.Append(idx.id, archive, raw)
			if err != nil {
				copyErr = err
				return
			}
			ptrs[archive], copyErr = pointer.New(len(raw), start)
		})
		if copyErr != nil {
			return fail(copyErr)
		}
		target := filepath.Join(c.dir, pointerName(idx.id)+compactSuffix)
		if err := platform.WriteFileAtomic(target, pointer.Image(ptrs)); err != nil {
			return fail(cachetype.IOError(err))
		}
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		c.removeCompacted(rec)
		return rec, err
	}
	return rec, nil
}

func (c *Cache) removeCompacted(rec journal.Record) {
	for _, r := range rec.Renames {
		if err := os.Remove(filepath.Join(c.dir, r.From)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log().Warn("could not remove compacted file", "file", r.From, "error", err)
		}
	}
}

// swapFiles closes bf and the pointer files of members, applies the renames
// and reopens them. Every operation on the cache waits until it is done.
func (c *Cache) swapFiles(bf *blockFile, members []*index, renames []journal.Rename) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range members {
		idx.mu.Lock()
	}
	defer func() {
		for i := len(members) - 1; i >= 0; i-- {
			members[i].mu.Unlock()
		}
	}()

	errs := []error{bf.store.Close()}
	for _, idx := range members {
		errs = append(errs, idx.pointers.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := c.replayRenames(renames); err != nil {
		return err
	}

	f, err := c.openFile(bf.name)
	if err != nil {
		return err
	}
	if bf.store, err = sector.Open(f); err != nil {
		f.Close()
		return err
	}
	for _, idx := range members {
		pf, err := c.openFile(pointerName(idx.id))
		if err != nil {
			return err
		}
		if idx.pointers, err = pointer.Open(pf); err != nil {
			pf.Close()
			return err
		}
	}
	return nil
}

// RebuildTo writes a compact copy of the cache into dir, which must not
// already hold a cache. Stored containers are copied as they are, so
// encrypted archives need no keys. Archives that fail verification abort
// the copy.
func (c *Cache) RebuildTo(dir string, opts ...Option) (err error) {
	if same, err := sameDir(c.dir, dir); err != nil || same {
		if err == nil {
			err = fmt.Errorf("%w: cannot rebuild %s into itself", ErrFormat, dir)
		}
		return err
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	ids := c.Indices()

	base := []Option{WithLayout(c.layout), WithLogger(c.logger), WithTableCompression(c.tableCompression)}
	dst, err := Open(dir, append(base, opts...)...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dst.Close())
	}()
	if existing := dst.Indices(); len(existing) > 0 {
		return fmt.Errorf("rebuild into %s: directory already holds %d indices", dir, len(existing))
	}

	for _, id := range ids {
		if err := c.copyIndex(dst, uint8(id)); err != nil { //nolint:gosec // ids come from the index map
			return fmt.Errorf("rebuild index %d: %w", id, err)
		}
	}
	c.metrics.Maintained("rebuild_to")
	c.log().Info("rebuilt cache", "from", c.dir, "to", dir, "indices", len(ids))
	return nil
}

func (c *Cache) copyIndex(dst *Cache, id uint8) error {
	src, err := c.index(int(id))
	if err != nil {
		return err
	}
	src.mu.RLock()
	table := src.table.Clone()
	src.mu.RUnlock()

	if err := dst.createIndex(id, func(t *reftable.Table) {
		t.Protocol = table.Protocol
		t.Flags = table.Flags
	}); err != nil {
		return err
	}
	didx, err := dst.opened(int(id))
	if err != nil {
		return err
	}
	didx.writeMu.Lock()
	defer didx.writeMu.Unlock()

	changes := make([]change, 0, table.Len())
	abort := func(err error) error {
		for _, ch := range changes {
			didx.data.store.Release(ch.sectors)
		}
		return err
	}
	for _, aid := range table.IDs() {
		st, err := c.readStored(src, aid)
		if err != nil {
			return abort(err)
		}
		if err := c.verifyStored(src, st); err != nil {
			return abort(err)
		}
		start, sectors, err := didx.data.store.Append(id, aid, st.raw)
		if err != nil {
			return abort(err)
		}
		ptr, err := pointer.New(len(st.raw), start)
		if err != nil {
			didx.data.store.Release(sectors)
			return abort(err)
		}
		e := st.entry
		changes = append(changes, change{id: aid, entry: &e, ptr: ptr, sectors: sectors})
	}
	if err := didx.data.store.Sync(); err != nil {
		return abort(err)
	}
	return dst.commit(didx, changes, func(t *reftable.Table) {
		t.Revision = table.Revision
	})
}

func sameDir(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, cachetype.IOError(err)
	}
	ib, err := os.Stat(b)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, cachetype.IOError(err)
	}
	return os.SameFile(ia, ib), nil
}
