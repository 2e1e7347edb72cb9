// Package pointer reads and writes the fixed-format pointer files
// (main_file_cache.idxN) that map archive ids to sector chains.
//
// Each archive owns a 6-byte record at offset id*6: a 3-byte chain length
// followed by a 3-byte start sector, big-endian. An all-zero record means the
// archive is absent.
package pointer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"slices"
	"sync"

	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/sizing"
)

// RecordLen is the size of one pointer record.
const RecordLen = 6

// MaxArchive is the largest archive id a pointer file addresses. A block
// file holds at most 2^24 sectors, so no index can hold more archives.
const MaxArchive = sizing.MaxUint24

// File is the backing storage of a Table. *os.File satisfies it.
type File interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Stat() (fs.FileInfo, error)
	Close() error
}

// Pointer locates an archive's chain in a block file.
type Pointer struct {
	Length uint32
	Sector uint32
}

// Empty reports whether p is the absent marker.
func (p Pointer) Empty() bool {
	return p.Sector == 0
}

// Encode returns the 6-byte record for p.
func (p Pointer) Encode() [RecordLen]byte {
	var b [RecordLen]byte
	b[0], b[1], b[2] = byte(p.Length>>16), byte(p.Length>>8), byte(p.Length)
	b[3], b[4], b[5] = byte(p.Sector>>16), byte(p.Sector>>8), byte(p.Sector)
	return b
}

// Decode parses a 6-byte record.
func Decode(b []byte) Pointer {
	return Pointer{
		Length: uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Sector: uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
	}
}

// New validates a chain location for storage in a record.
func New(length int, sector uint32) (Pointer, error) {
	l, err := sizing.ToUint24(length, cachetype.ErrSizeOverflow)
	if err != nil {
		return Pointer{}, err
	}
	if sector == 0 || sector > sizing.MaxUint24 {
		return Pointer{}, fmt.Errorf("%w: sector %d cannot be addressed", cachetype.ErrSizeOverflow, sector)
	}
	return Pointer{Length: l, Sector: sector}, nil
}

// Table is an in-memory copy of the present records of a pointer file with
// write-through updates.
type Table struct {
	f File

	mu      sync.RWMutex
	entries map[uint32]Pointer
	slots   int
}

// Open loads every record of f.
func Open(f File) (*Table, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, cachetype.IOError(fmt.Errorf("stat pointer file: %w", err))
	}
	size, err := sizing.ToInt(uint64(info.Size()), cachetype.ErrSizeOverflow) //nolint:gosec // sizes are non-negative
	if err != nil {
		return nil, err
	}
	if size > (MaxArchive+1)*RecordLen {
		return nil, fmt.Errorf("%w: pointer file of %d bytes addresses archives past %d",
			cachetype.ErrFormat, size, MaxArchive)
	}
	if size%RecordLen != 0 {
		return nil, fmt.Errorf("%w: pointer file length %d is not a multiple of %d",
			cachetype.ErrFormat, size, RecordLen)
	}
	buf := make([]byte, size)
	if n, err := f.ReadAt(buf, 0); err != nil && !(errors.Is(err, io.EOF) && n == size) {
		return nil, cachetype.IOError(fmt.Errorf("read pointer file: %w", err))
	}

	t := &Table{f: f, entries: make(map[uint32]Pointer), slots: size / RecordLen}
	for i := range t.slots {
		if p := Decode(buf[i*RecordLen:]); !p.Empty() {
			t.entries[uint32(i)] = p //nolint:gosec // bounded by MaxArchive
		}
	}
	return t, nil
}

// Get returns the pointer for archive, or false when absent.
func (t *Table) Get(archive uint32) (Pointer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.entries[archive]
	return p, ok
}

// Put writes the record for archive and updates the in-memory copy. The file
// is not synced. Archives past MaxArchive fail with ErrSizeOverflow.
func (t *Table) Put(archive uint32, p Pointer) error {
	if archive > MaxArchive {
		return fmt.Errorf("%w: archive %d exceeds %d", cachetype.ErrSizeOverflow, archive, MaxArchive)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := p.Encode()
	if _, err := t.f.WriteAt(rec[:], int64(archive)*RecordLen); err != nil {
		return cachetype.IOError(fmt.Errorf("write pointer %d: %w", archive, err))
	}
	t.slots = max(t.slots, int(archive)+1)
	if p.Empty() {
		delete(t.entries, archive)
	} else {
		t.entries[archive] = p
	}
	return nil
}

// Delete zeroes the record for archive.
func (t *Table) Delete(archive uint32) error {
	t.mu.RLock()
	absent := int64(archive) >= int64(t.slots)
	t.mu.RUnlock()
	if absent {
		return nil
	}
	return t.Put(archive, Pointer{})
}

// Each calls fn for every present archive in ascending id order.
func (t *Table) Each(fn func(archive uint32, p Pointer)) {
	t.mu.RLock()
	snapshot := maps.Clone(t.entries)
	t.mu.RUnlock()
	for _, id := range slices.Sorted(maps.Keys(snapshot)) {
		fn(id, snapshot[id])
	}
}

// Len returns the number of record slots, present or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots
}

// Sync flushes the pointer file.
func (t *Table) Sync() error {
	if err := t.f.Sync(); err != nil {
		return cachetype.IOError(fmt.Errorf("sync pointer file: %w", err))
	}
	return nil
}

// Close closes the pointer file.
func (t *Table) Close() error {
	if err := t.f.Close(); err != nil {
		return cachetype.IOError(fmt.Errorf("close pointer file: %w", err))
	}
	return nil
}

// Image encodes a complete pointer file holding entries. Callers keep ids at
// or below MaxArchive.
func Image(entries map[uint32]Pointer) []byte {
	var n int
	for id := range entries {
		n = max(n, int(id)+1)
	}
	buf := make([]byte, n*RecordLen)
	for id, p := range entries {
		rec := p.Encode()
		copy(buf[int(id)*RecordLen:], rec[:])
	}
	return buf
}
