package sector

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/sizing"
)

// File is the backing storage of a Store. *os.File satisfies it.
type File interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Stat() (fs.FileInfo, error)
	Close() error
}

// Store reads and writes sector chains in one block file and tracks which
// sectors are free for reuse.
//
// Reads are safe for concurrent use. Allocation is serialized internally, but
// callers must not Release a chain while readers may still traverse it.
type Store struct {
	f File

	// count is the number of addressable sectors, including the reserved
	// sector 0. Sectors at or beyond count do not exist yet.
	count atomic.Uint32

	mu   sync.Mutex
	free []uint32 // ascending
}

// Open wraps f. The free list starts empty until Reclaim is called.
func Open(f File) (*Store, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, cachetype.IOError(fmt.Errorf("stat block file: %w", err))
	}
	n := sizing.Blocks(int(info.Size()), Size)
	if n > MaxSectors {
		return nil, fmt.Errorf("%w: block file holds %d sectors", cachetype.ErrSizeOverflow, n)
	}
	s := &Store{f: f}
	s.count.Store(uint32(max(n, 1))) //nolint:gosec // bounded by MaxSectors
	return s, nil
}

// Count returns the number of addressable sectors, including sector 0.
func (s *Store) Count() uint32 {
	return s.count.Load()
}

// FreeCount returns the number of sectors available for reuse.
func (s *Store) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// Read returns the length bytes of the chain starting at start, checking each
// sector header against index and archive.
func (s *Store) Read(index uint8, archive uint32, start uint32, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	err := s.walk(index, archive, start, length, func(_ uint32, chunk []byte) {
		out = append(out, chunk...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Chain returns the sectors of the chain starting at start, in chunk order.
// On error it also returns the sectors validated before the damage.
func (s *Store) Chain(index uint8, archive uint32, start uint32, length int) ([]uint32, error) {
	sectors := make([]uint32, 0, sizing.Blocks(length, PayloadSize(archive)))
	err := s.walk(index, archive, start, length, func(sector uint32, _ []byte) {
		sectors = append(sectors, sector)
	})
	return sectors, err
}

func (s *Store) walk(index uint8, archive uint32, start uint32, length int, visit func(uint32, []byte)) error {
	if length <= 0 {
		return fmt.Errorf("%w: chain length %d", cachetype.ErrCorruption, length)
	}
	per := PayloadSize(archive)
	hdrLen := HeaderSize(archive)
	count := s.Count()
	seen := make(map[uint32]struct{}, sizing.Blocks(length, per))
	buf := make([]byte, Size)

	sector := start
	remaining := length
	for chunk := 0; remaining > 0; chunk++ {
		if sector == 0 {
			return fmt.Errorf("%w: index %d archive %d: chain ends after %d of %d bytes",
				cachetype.ErrCorruption, index, archive, length-remaining, length)
		}
		if sector >= count {
			return fmt.Errorf("%w: index %d archive %d: sector %d beyond end of block file (%d sectors)",
				cachetype.ErrCorruption, index, archive, sector, count)
		}
		if _, dup := seen[sector]; dup {
			return fmt.Errorf("%w: index %d archive %d: chain revisits sector %d",
				cachetype.ErrCorruption, index, archive, sector)
		}
		seen[sector] = struct{}{}

		want := min(per, remaining)
		n, err := s.f.ReadAt(buf, int64(sector)*Size)
		if err != nil && !errors.Is(err, io.EOF) {
			return cachetype.IOError(fmt.Errorf("read sector %d: %w", sector, err))
		}
		if n < hdrLen+want {
			return fmt.Errorf("%w: index %d archive %d: sector %d truncated",
				cachetype.ErrCorruption, index, archive, sector)
		}

		h, err := DecodeHeader(buf[:n], archive)
		if err != nil {
			return err
		}
		if h.Archive != archive || h.Index != index || h.Chunk != uint16(chunk) { //nolint:gosec // chunk wraps like the field
			return fmt.Errorf("%w: sector %d header (index %d, archive %d, chunk %d) does not match (index %d, archive %d, chunk %d)",
				cachetype.ErrFormat, sector, h.Index, h.Archive, h.Chunk, index, archive, uint16(chunk)) //nolint:gosec // same
		}

		visit(sector, buf[hdrLen:hdrLen+want])
		remaining -= want
		sector = h.Next
	}
	if sector != 0 {
		return fmt.Errorf("%w: index %d archive %d: chain continues to sector %d past its %d bytes",
			cachetype.ErrCorruption, index, archive, sector, length)
	}
	return nil
}

// Write stores data as a new chain and syncs it. It returns the first sector
// and every sector used. On failure the allocated sectors are released.
func (s *Store) Write(index uint8, archive uint32, data []byte) (uint32, []uint32, error) {
	return s.write(index, archive, data, true)
}

// Append is Write without the sync. Bulk copies call Sync once at the end.
func (s *Store) Append(index uint8, archive uint32, data []byte) (uint32, []uint32, error) {
	return s.write(index, archive, data, false)
}

func (s *Store) write(index uint8, archive uint32, data []byte, sync bool) (uint32, []uint32, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: refusing to write an empty chain", cachetype.ErrFormat)
	}
	if _, err := sizing.ToUint24(len(data), cachetype.ErrSizeOverflow); err != nil {
		return 0, nil, err
	}
	per := PayloadSize(archive)
	sectors, err := s.alloc(sizing.Blocks(len(data), per))
	if err != nil {
		return 0, nil, err
	}

	buf := make([]byte, Size)
	for i, sector := range sectors {
		clear(buf)
		h := Header{Archive: archive, Chunk: uint16(i), Index: index} //nolint:gosec // chunk wraps like the field
		if i+1 < len(sectors) {
			h.Next = sectors[i+1]
		}
		n := h.Encode(buf)
		copy(buf[n:], data[i*per:min(len(data), (i+1)*per)])
		if _, err := s.f.WriteAt(buf, int64(sector)*Size); err != nil {
			s.Release(sectors)
			return 0, nil, cachetype.IOError(fmt.Errorf("write sector %d: %w", sector, err))
		}
	}
	if sync {
		if err := s.f.Sync(); err != nil {
			s.Release(sectors)
			return 0, nil, cachetype.IOError(fmt.Errorf("sync block file: %w", err))
		}
	}
	return sectors[0], sectors, nil
}

// alloc reserves n sectors, lowest free sectors first, then new sectors at
// the end of the file.
func (s *Store) alloc(n int) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint32, 0, n)
	take := min(n, len(s.free))
	out = append(out, s.free[:take]...)
	s.free = s.free[take:]

	count := s.count.Load()
	need := uint64(n - take) //nolint:gosec // n >= take
	if uint64(count)+need > MaxSectors {
		s.free = mergeSorted(s.free, out)
		return nil, fmt.Errorf("%w: block file would exceed %d sectors", cachetype.ErrSizeOverflow, MaxSectors)
	}
	for range need {
		out = append(out, count)
		count++
	}
	s.count.Store(count)
	return out, nil
}

// Release returns sectors to the free list.
func (s *Store) Release(sectors []uint32) {
	if len(sectors) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = mergeSorted(s.free, sectors)
}

// Reclaim rebuilds the free list: every sector in [1, Count) not marked in
// live becomes free.
func (s *Store) Reclaim(live *Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.count.Load()
	free := make([]uint32, 0)
	for i := uint32(1); i < count; i++ {
		if !live.Has(i) {
			free = append(free, i)
		}
	}
	s.free = free
}

// Sync flushes the block file.
func (s *Store) Sync() error {
	if err := s.f.Sync(); err != nil {
		return cachetype.IOError(fmt.Errorf("sync block file: %w", err))
	}
	return nil
}

// Close closes the block file.
func (s *Store) Close() error {
	if err := s.f.Close(); err != nil {
		return cachetype.IOError(fmt.Errorf("close block file: %w", err))
	}
	return nil
}

func mergeSorted(free, add []uint32) []uint32 {
	out := make([]uint32, 0, len(free)+len(add))
	out = append(out, free...)
	out = append(out, add...)
	slices.Sort(out)
	return slices.Compact(out)
}
