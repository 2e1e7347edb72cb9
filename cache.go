package gamecache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/gamecache/internal/blockcipher"
	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/container"
	"github.com/meigma/gamecache/internal/journal"
	"github.com/meigma/gamecache/internal/metrics"
	"github.com/meigma/gamecache/internal/platform"
	"github.com/meigma/gamecache/internal/pointer"
	"github.com/meigma/gamecache/internal/reftable"
	"github.com/meigma/gamecache/internal/sector"
)

const defaultDecodedSize = 256

// Cache is an open cache directory.
//
// A Cache is safe for concurrent use. Writes to the same index are
// serialized; reads never wait for a write except during its final pointer
// swap.
type Cache struct {
	dir              string
	layout           Layout
	readOnly         bool
	verify           bool
	logger           *slog.Logger
	keys             KeyProvider
	compression      Compression
	tableCompression Compression
	decodedSize      int
	registerer       prometheus.Registerer

	metrics   *metrics.Metrics
	decoded   *arc.ARCCache[decodedKey, decodedEntry]
	readGroup singleflight.Group
	lock      *platform.Lock
	journal   *journal.Journal

	// maintMu serializes maintenance, which quiesces every writer.
	maintMu sync.Mutex
	// commitMu serializes reference table commits: the master chain write,
	// the journal and the pointer swaps.
	commitMu sync.Mutex

	mu      sync.RWMutex
	indices map[uint8]*index
	master  *index
	files   map[string]*blockFile
	closed  bool
	broken  error

	// beforeCommit runs after the new chains are durable and before the
	// journal is written. Tests use it to simulate a crash.
	beforeCommit func() error
	// afterJournal runs after the journal is durable and before the swaps.
	afterJournal func() error
}

// index is one index, or the master index when table is nil.
type index struct {
	id uint8

	// mu is held for reading while a chain of this index is traversed and
	// for writing while its pointers are swapped and old chains released.
	mu sync.RWMutex
	// writeMu serializes writers of this index.
	writeMu sync.Mutex

	pointers *pointer.Table
	data     *blockFile

	table   *reftable.Table
	loadErr error
}

type blockFile struct {
	name  string
	store *sector.Store
}

type decodedKey struct {
	index    uint8
	archive  uint32
	crc      uint32
	revision int32
}

// decodedEntry is only served to readers using the key it was decoded with.
type decodedEntry struct {
	key     Key
	payload []byte
}

// Open opens the cache in dir, creating it unless WithReadOnly is set.
// An unfinished commit left by a crash is completed before Open returns.
func Open(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:              dir,
		verify:           true,
		compression:      CompressionAuto,
		tableCompression: CompressionGzip,
		decodedSize:      defaultDecodedSize,
		indices:          make(map[uint8]*index),
		files:            make(map[string]*blockFile),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.open(); err != nil {
		c.closeFiles()
		return nil, err
	}
	return c, nil
}

func (c *Cache) open() error {
	if c.readOnly {
		info, err := os.Stat(c.dir)
		if err != nil {
			return c.pathErr("open cache", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrNotFound, c.dir)
		}
	} else if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return cachetype.IOError(fmt.Errorf("create cache directory: %w", err))
	}

	lock, err := platform.AcquireLock(filepath.Join(c.dir, lockName), c.readOnly)
	if err != nil {
		return cachetype.IOError(fmt.Errorf("lock cache directory: %w", err))
	}
	c.lock = lock

	if c.registerer != nil {
		if c.metrics, err = metrics.New(c.registerer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	if c.decodedSize > 0 {
		if c.decoded, err = arc.NewARC[decodedKey, decodedEntry](c.decodedSize); err != nil {
			return fmt.Errorf("create decoded cache: %w", err)
		}
	}

	if c.layout, err = detectLayout(c.dir, c.layout); err != nil {
		return cachetype.IOError(fmt.Errorf("detect layout: %w", err))
	}

	c.journal = journal.New(filepath.Join(c.dir, journalName))
	rec, pending, err := c.journal.Load()
	if err != nil {
		return err
	}
	if pending {
		if c.readOnly {
			return fmt.Errorf("%w: cache has an unfinished commit; open it writable to recover", ErrReadOnly)
		}
		c.log().Warn("completing unfinished commit", "swaps", len(rec.Swaps), "renames", len(rec.Renames))
		if err := c.replayRenames(rec.Renames); err != nil {
			return err
		}
	}

	if c.master, err = c.openIndex(MasterIndex); err != nil {
		return err
	}
	ids, err := discoverIndices(c.dir)
	if err != nil {
		return cachetype.IOError(fmt.Errorf("list cache directory: %w", err))
	}
	for _, id := range ids {
		if c.indices[id], err = c.openIndex(id); err != nil {
			return err
		}
	}
	// Reference tables may exist for indices whose pointer file is gone.
	var orphanTables []uint8
	c.master.pointers.Each(func(archive uint32, _ pointer.Pointer) {
		if archive < MasterIndex {
			if _, ok := c.indices[uint8(archive)]; !ok {
				orphanTables = append(orphanTables, uint8(archive))
			}
		}
	})
	for _, id := range orphanTables {
		if c.readOnly {
			c.log().Warn("index has a reference table but no pointer file", "index", id)
			continue
		}
		if c.indices[id], err = c.openIndex(id); err != nil {
			return err
		}
	}

	if pending {
		if err := c.replaySwaps(rec.Swaps); err != nil {
			return err
		}
		if err := c.journal.Clear(); err != nil {
			return err
		}
	}

	for _, id := range slices.Sorted(maps.Keys(c.indices)) {
		c.loadTable(c.indices[id])
	}
	c.reclaimAll()

	c.log().Info("opened cache", "dir", c.dir, "layout", c.layout.String(),
		"indices", len(c.indices), "read_only", c.readOnly)
	return nil
}

// openIndex opens the pointer file and block file of id.
func (c *Cache) openIndex(id uint8) (*index, error) {
	pf, err := c.openFile(pointerName(id))
	if err != nil {
		return nil, err
	}
	pointers, err := pointer.Open(pf)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("index %d: %w", id, err)
	}
	data, err := c.blockFile(dataName(c.layout, id))
	if err != nil {
		pointers.Close()
		return nil, err
	}
	return &index{id: id, pointers: pointers, data: data}, nil
}

// blockFile returns the open block file called name, opening it on first use.
func (c *Cache) blockFile(name string) (*blockFile, error) {
	if bf, ok := c.files[name]; ok {
		return bf, nil
	}
	f, err := c.openFile(name)
	if err != nil {
		return nil, err
	}
	store, err := sector.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	bf := &blockFile{name: name, store: store}
	c.files[name] = bf
	return bf, nil
}

func (c *Cache) openFile(name string) (*os.File, error) {
	path := filepath.Join(c.dir, name)
	if c.readOnly {
		f, err := os.Open(path) //nolint:gosec // path is inside the cache directory
		if err != nil {
			return nil, c.pathErr("open "+name, err)
		}
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // path is inside the cache directory
	if err != nil {
		return nil, cachetype.IOError(fmt.Errorf("open %s: %w", name, err))
	}
	return f, nil
}

func (c *Cache) pathErr(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	}
	return cachetype.IOError(fmt.Errorf("%s: %w", op, err))
}

// loadTable decodes the reference table of idx from the master index. A
// table that cannot be read leaves the index unusable but does not fail
// Open.
func (c *Cache) loadTable(idx *index) {
	ptr, ok := c.master.pointers.Get(uint32(idx.id))
	if !ok {
		idx.table = reftable.New(reftable.DefaultProtocol, 0)
		return
	}
	raw, err := c.master.data.store.Read(MasterIndex, uint32(idx.id), ptr.Sector, int(ptr.Length))
	if err == nil {
		idx.table, err = decodeTable(raw)
	}
	if err != nil {
		idx.loadErr = fmt.Errorf("index %d reference table: %w", idx.id, err)
		idx.table = reftable.New(reftable.DefaultProtocol, 0)
		c.log().Error("unreadable reference table", "index", idx.id, "error", err)
	}
}

func decodeTable(raw []byte) (*reftable.Table, error) {
	ct, err := container.Decode(raw, blockcipher.Key{})
	if err != nil {
		return nil, err
	}
	return reftable.Decode(ct.Data)
}

// reclaimAll rebuilds every free list from the chains reachable through the
// pointer tables.
func (c *Cache) reclaimAll() {
	for _, bf := range c.files {
		c.reclaim(bf)
	}
}

// reclaim rebuilds the free list of bf. Callers must hold every writer of the
// indices stored in bf, or run before the cache is shared.
func (c *Cache) reclaim(bf *blockFile) int {
	live := sector.NewBitmap(bf.store.Count())
	for _, idx := range c.allIndices() {
		if idx.data != bf {
			continue
		}
		idx.pointers.Each(func(archive uint32, p pointer.Pointer) {
			sectors, err := bf.store.Chain(idx.id, archive, p.Sector, int(p.Length))
			if err != nil {
				// Keep whatever could be traced; the rest is unreachable anyway.
				c.log().Warn("damaged chain kept out of the free list",
					"index", idx.id, "archive", archive, "sector", p.Sector, "error", err)
			}
			for _, s := range sectors {
				live.Set(s)
			}
		})
	}
	bf.store.Reclaim(live)
	free := bf.store.FreeCount()
	c.metrics.Free(bf.name, free)
	c.log().Debug("reclaimed free sectors", "file", bf.name, "free", free, "sectors", bf.store.Count())
	return free
}

func (c *Cache) replayRenames(renames []journal.Rename) error {
	for _, r := range renames {
		from := filepath.Join(c.dir, r.From)
		if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
			continue // already applied
		}
		if err := platform.RenameDurable(from, filepath.Join(c.dir, r.To)); err != nil {
			return cachetype.IOError(fmt.Errorf("replay rename %s: %w", r.From, err))
		}
	}
	return nil
}

func (c *Cache) replaySwaps(swaps []journal.Swap) error {
	touched := map[*index]struct{}{}
	for _, s := range swaps {
		idx := c.master
		if s.Index != MasterIndex {
			var ok bool
			if idx, ok = c.indices[s.Index]; !ok {
				var err error
				if idx, err = c.openIndex(s.Index); err != nil {
					return err
				}
				c.indices[s.Index] = idx
			}
		}
		if err := idx.pointers.Put(s.Archive, s.Pointer); err != nil {
			return err
		}
		touched[idx] = struct{}{}
	}
	for idx := range touched {
		if err := idx.pointers.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// allIndices returns every index including the master, master last.
func (c *Cache) allIndices() []*index {
	out := make([]*index, 0, len(c.indices)+1)
	for _, id := range slices.Sorted(maps.Keys(c.indices)) {
		out = append(out, c.indices[id])
	}
	if c.master != nil {
		out = append(out, c.master)
	}
	return out
}

// index returns the open index id. Indices whose reference table could not
// be loaded return that error.
func (c *Cache) index(id int) (*index, error) {
	idx, err := c.opened(id)
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.loadErr != nil {
		return nil, idx.loadErr
	}
	return idx, nil
}

// opened returns the open index id, loaded or not.
func (c *Cache) opened(id int) (*index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if id < 0 || id >= MasterIndex {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, id)
	}
	idx, ok := c.indices[uint8(id)]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, id)
	}
	return idx, nil
}

// writable checks that mutations are allowed.
func (c *Cache) writable() error {
	if c.readOnly {
		return ErrReadOnly
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.broken != nil {
		return fmt.Errorf("cache must be reopened after a failed commit: %w", c.broken)
	}
	return nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Layout returns the block file layout in use.
func (c *Cache) Layout() Layout {
	return c.layout
}

// Flush syncs every block file and pointer file.
func (c *Cache) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.readOnly {
		return nil
	}
	var errs []error
	for _, bf := range c.files {
		errs = append(errs, bf.store.Sync())
	}
	for _, idx := range c.allIndices() {
		errs = append(errs, idx.pointers.Sync())
	}
	return errors.Join(errs...)
}

// Close flushes and closes the cache. It waits for in-flight operations;
// operations started afterwards return ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.maintMu.Lock()
	defer c.maintMu.Unlock()
	all := c.allIndices()
	for _, idx := range all {
		idx.writeMu.Lock()
		idx.mu.Lock()
	}
	defer func() {
		for _, idx := range all {
			idx.mu.Unlock()
			idx.writeMu.Unlock()
		}
	}()

	err := c.closeFiles()
	c.log().Info("closed cache", "dir", c.dir)
	return err
}

func (c *Cache) closeFiles() error {
	var errs []error
	for _, idx := range c.allIndices() {
		if idx.pointers != nil {
			if !c.readOnly {
				errs = append(errs, idx.pointers.Sync())
			}
			errs = append(errs, idx.pointers.Close())
		}
	}
	for name, bf := range c.files {
		if !c.readOnly {
			errs = append(errs, bf.store.Sync())
		}
		errs = append(errs, bf.store.Close())
		delete(c.files, name)
	}
	if c.lock != nil {
		errs = append(errs, c.lock.Release())
	}
	return errors.Join(errs...)
}

// log returns the configured logger or a no-op logger if none is set.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}
