package gamecache

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/meigma/gamecache/internal/container"
	"github.com/meigma/gamecache/internal/group"
	"github.com/meigma/gamecache/internal/integrity"
	"github.com/meigma/gamecache/internal/metrics"
	"github.com/meigma/gamecache/internal/pointer"
	"github.com/meigma/gamecache/internal/reftable"
)

// stored is an archive's container bytes together with the reference table
// entry they were read against.
type stored struct {
	raw     []byte
	entry   reftable.Archive
	digests bool
	crcs    bool
}

// ReadArchive returns the decoded payload of an archive. For archives with
// several files this is the packed group; use ReadFile or ReadFiles to split
// it.
func (c *Cache) ReadArchive(index, archive int, opts ...OpOption) ([]byte, error) {
	idx, id, err := c.lookup(index, archive)
	if err != nil {
		return nil, err
	}
	payload, _, err := c.load(idx, id, c.resolveKey(applyOps(opts), index, archive))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(payload), nil
}

// ReadFile returns one sub-file of an archive. Archives written with
// WriteArchive hold a single file with id 0.
func (c *Cache) ReadFile(index, archive, file int, opts ...OpOption) ([]byte, error) {
	idx, id, err := c.lookup(index, archive)
	if err != nil {
		return nil, err
	}
	fid, err := checkID("file", file, maxFileID, ErrNotFound)
	if err != nil {
		return nil, err
	}
	payload, entry, err := c.load(idx, id, c.resolveKey(applyOps(opts), index, archive))
	if err != nil {
		return nil, err
	}
	pos, ok := entry.FileIndex(fid)
	if !ok {
		return nil, fmt.Errorf("%w: index %d archive %d file %d", ErrNotFound, index, archive, file)
	}
	if len(entry.Files) == 1 {
		return bytes.Clone(payload), nil
	}
	files, err := group.Unpack(payload, len(entry.Files))
	if err != nil {
		return nil, fmt.Errorf("index %d archive %d: %w", index, archive, err)
	}
	return files[pos], nil
}

// ReadFiles returns every sub-file of an archive keyed by file id.
func (c *Cache) ReadFiles(index, archive int, opts ...OpOption) (map[int][]byte, error) {
	idx, id, err := c.lookup(index, archive)
	if err != nil {
		return nil, err
	}
	payload, entry, err := c.load(idx, id, c.resolveKey(applyOps(opts), index, archive))
	if err != nil {
		return nil, err
	}
	parts, err := splitFiles(entry, payload)
	if err != nil {
		return nil, fmt.Errorf("index %d archive %d: %w", index, archive, err)
	}
	out := make(map[int][]byte, len(parts))
	for i, f := range entry.Files {
		out[int(f.ID)] = parts[i]
	}
	return out, nil
}

// ReadNamed reads the archive whose name hash matches name.
func (c *Cache) ReadNamed(index int, name string, opts ...OpOption) ([]byte, error) {
	archive, err := c.ArchiveID(index, name)
	if err != nil {
		return nil, err
	}
	return c.ReadArchive(index, archive, opts...)
}

func splitFiles(entry reftable.Archive, payload []byte) ([][]byte, error) {
	if len(entry.Files) <= 1 {
		return [][]byte{bytes.Clone(payload)}, nil
	}
	return group.Unpack(payload, len(entry.Files))
}

// load returns the decoded payload of an archive and its table entry. The
// payload may be shared with the decoded cache and must not be modified.
func (c *Cache) load(idx *index, id uint32, key Key) ([]byte, reftable.Archive, error) {
	idx.mu.RLock()
	entry, ok := idx.table.Get(id)
	idx.mu.RUnlock()
	if !ok {
		c.metrics.Read(int(idx.id), metrics.ResultNotFound, 0)
		return nil, reftable.Archive{}, fmt.Errorf("%w: index %d archive %d", ErrNotFound, idx.id, id)
	}

	dk := decodedKey{index: idx.id, archive: id, crc: entry.CRC, revision: entry.Revision}
	if c.decoded != nil {
		if hit, ok := c.decoded.Get(dk); ok && hit.key == key {
			c.metrics.Decoded(true)
			c.metrics.Read(int(idx.id), metrics.ResultOK, 0)
			c.log().Debug("archive served from decoded cache", "index", idx.id, "archive", id)
			return hit.payload, entry, nil
		}
		c.metrics.Decoded(false)
	}

	flightKey := fmt.Sprintf("%d/%d/%08x/%d/%x", idx.id, id, entry.CRC, entry.Revision, key)
	v, err, _ := c.readGroup.Do(flightKey, func() (any, error) {
		st, err := c.readStored(idx, id)
		if err != nil {
			return nil, err
		}
		payload, err := c.decodeStored(idx, st, key)
		if err != nil {
			return nil, err
		}
		if c.decoded != nil {
			c.decoded.Add(decodedKey{index: idx.id, archive: id, crc: st.entry.CRC, revision: st.entry.Revision},
				decodedEntry{key: key, payload: payload})
		}
		return loaded{payload: payload, entry: st.entry, stored: len(st.raw)}, nil
	})
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, ErrNotFound) {
			result = metrics.ResultNotFound
		}
		c.metrics.Read(int(idx.id), result, 0)
		return nil, reftable.Archive{}, err
	}
	l := v.(loaded) //nolint:errcheck,forcetypeassert // only loaded values are returned above
	c.metrics.Read(int(idx.id), metrics.ResultOK, l.stored)
	return l.payload, l.entry, nil
}

type loaded struct {
	payload []byte
	entry   reftable.Archive
	stored  int
}

// readStored reads an archive's container bytes. The table entry and the
// chain are read under the same lock so they always belong together.
func (c *Cache) readStored(idx *index, id uint32) (stored, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entry, ok := idx.table.Get(id)
	if !ok {
		return stored{}, fmt.Errorf("%w: index %d archive %d", ErrNotFound, idx.id, id)
	}
	ptr, ok := idx.pointers.Get(id)
	if !ok {
		return stored{}, fmt.Errorf("%w: index %d archive %d is in the reference table but has no pointer",
			ErrCorruption, idx.id, id)
	}
	raw, err := idx.data.store.Read(idx.id, id, ptr.Sector, int(ptr.Length))
	if err != nil {
		return stored{}, fmt.Errorf("index %d archive %d: %w", idx.id, id, err)
	}
	return stored{
		raw:     raw,
		entry:   entry,
		digests: idx.table.Flags.Has(reftable.FlagDigests),
		crcs:    idx.table.Flags.Has(reftable.FlagUncompressedChecksums),
	}, nil
}

// verifyStored checks the stored bytes against the table entry.
func (c *Cache) verifyStored(idx *index, st stored) error {
	region, err := container.Checksummed(st.raw)
	if err != nil {
		return fmt.Errorf("index %d archive %d: %w", idx.id, st.entry.ID, err)
	}
	want := integrity.Sums{CRC: st.entry.CRC}
	if st.digests {
		want.Whirlpool = st.entry.Digest
	}
	if err := integrity.Verify(int(idx.id), int(st.entry.ID), region, want); err != nil {
		c.metrics.ChecksumFailure(int(idx.id))
		c.log().Warn("checksum mismatch", "index", idx.id, "archive", st.entry.ID, "error", err)
		return err
	}
	return nil
}

func (c *Cache) decodeStored(idx *index, st stored, key Key) ([]byte, error) {
	if c.verify {
		if err := c.verifyStored(idx, st); err != nil {
			return nil, err
		}
	}
	ct, err := container.Decode(st.raw, key)
	if err != nil {
		return nil, fmt.Errorf("index %d archive %d: %w", idx.id, st.entry.ID, err)
	}
	if c.verify && st.crcs {
		if got := integrity.CRC(ct.Data); got != st.entry.UncompressedCRC {
			c.metrics.ChecksumFailure(int(idx.id))
			return nil, &ChecksumError{
				Index: int(idx.id), Archive: int(st.entry.ID), Kind: "uncompressed crc32",
				Want: fmt.Sprintf("%08x", st.entry.UncompressedCRC), Got: fmt.Sprintf("%08x", got),
			}
		}
	}
	c.log().Debug("decoded archive", "index", idx.id, "archive", st.entry.ID,
		"compression", ct.Compression.String(), "size", len(ct.Data))
	return ct.Data, nil
}

// lookup resolves and validates the ids of a read.
func (c *Cache) lookup(index, archive int) (*index, uint32, error) {
	idx, err := c.index(index)
	if err != nil {
		return nil, 0, err
	}
	id, err := checkID("archive", archive, maxArchiveID, ErrNotFound)
	if err != nil {
		return nil, 0, err
	}
	return idx, id, nil
}

// Archive ids are bounded by the pointer file, file ids by the reference
// table encoding.
const (
	maxArchiveID = pointer.MaxArchive
	maxFileID    = reftable.MaxID
)

func checkID(kind string, v int, limit uint64, sentinel error) (uint32, error) {
	if v < 0 || uint64(v) > limit {
		return 0, fmt.Errorf("%w: invalid %s id %d", sentinel, kind, v)
	}
	return uint32(v), nil //nolint:gosec // range checked
}

func applyOps(opts []OpOption) opConfig {
	var o opConfig
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// resolveKey picks the XTEA key for an operation: an explicit WithKey, then
// the cache's KeyProvider, then no encryption.
func (c *Cache) resolveKey(o opConfig, index, archive int) Key {
	if o.keySet {
		return o.key
	}
	if c.keys != nil {
		if k, ok := c.keys.Key(index, archive); ok {
			return k
		}
	}
	return Key{}
}
