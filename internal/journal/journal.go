// Package journal records the pointer swaps and file renames of a commit
// before any of them is applied, so a crash part-way through can be rolled
// forward on the next open.
//
// The journal file is replaced atomically; it either holds a complete record
// or does not exist. Layout, big-endian:
//
//	"GCJ1"
//	u32 swap count, then per swap: u8 index, u32 archive, u32 length, u32 sector
//	u32 rename count, then per rename: u16 len, from, u16 len, to
//	u32 CRC-32 of everything above
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"

	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/platform"
	"github.com/meigma/gamecache/internal/pointer"
)

var magic = []byte("GCJ1")

// Swap replaces one pointer record. A zero Pointer deletes the archive.
type Swap struct {
	Index   uint8
	Archive uint32
	Pointer pointer.Pointer
}

// Rename moves a fully written replacement file into place. Paths are
// relative to the cache directory.
type Rename struct {
	From string
	To   string
}

// Record is one commit.
type Record struct {
	Swaps   []Swap
	Renames []Rename
}

// Empty reports whether r has nothing to apply.
func (r Record) Empty() bool {
	return len(r.Swaps) == 0 && len(r.Renames) == 0
}

// Journal is the commit record file of one cache directory.
type Journal struct {
	path string
}

// New returns the journal stored at path.
func New(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal location.
func (j *Journal) Path() string {
	return j.path
}

// Write durably stores r, replacing any previous record.
func (j *Journal) Write(r Record) error {
	buf, err := Encode(r)
	if err != nil {
		return err
	}
	if err := platform.WriteFileAtomic(j.path, buf); err != nil {
		return cachetype.IOError(fmt.Errorf("write journal: %w", err))
	}
	return nil
}

// Load returns the pending record, or ok=false when there is none.
func (j *Journal) Load() (Record, bool, error) {
	buf, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, cachetype.IOError(fmt.Errorf("read journal: %w", err))
	}
	r, err := Decode(buf)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Clear removes the journal once its record has been applied.
func (j *Journal) Clear() error {
	if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cachetype.IOError(fmt.Errorf("clear journal: %w", err))
	}
	return nil
}

// Encode serializes r.
func Encode(r Record) ([]byte, error) {
	buf := append([]byte(nil), magic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Swaps))) //nolint:gosec // bounded by memory
	for _, s := range r.Swaps {
		buf = append(buf, s.Index)
		buf = binary.BigEndian.AppendUint32(buf, s.Archive)
		buf = binary.BigEndian.AppendUint32(buf, s.Pointer.Length)
		buf = binary.BigEndian.AppendUint32(buf, s.Pointer.Sector)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Renames))) //nolint:gosec // bounded by memory
	for _, rn := range r.Renames {
		for _, p := range []string{rn.From, rn.To} {
			if len(p) > 0xFFFF {
				return nil, fmt.Errorf("%w: journal path too long", cachetype.ErrSizeOverflow)
			}
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(p))) //nolint:gosec // checked above
			buf = append(buf, p...)
		}
	}
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// Decode parses a journal file.
func Decode(buf []byte) (Record, error) {
	if len(buf) < len(magic)+12 || string(buf[:len(magic)]) != string(magic) {
		return Record{}, fmt.Errorf("%w: not a journal file", cachetype.ErrFormat)
	}
	body, sum := buf[:len(buf)-4], binary.BigEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return Record{}, fmt.Errorf("%w: journal checksum mismatch", cachetype.ErrCorruption)
	}

	d := decoder{buf: body, pos: len(magic)}
	var r Record
	n := d.u32()
	if uint64(n)*13 > uint64(len(body)) {
		return Record{}, fmt.Errorf("%w: journal swap count %d", cachetype.ErrFormat, n)
	}
	for range n {
		s := Swap{Index: d.u8(), Archive: d.u32()}
		s.Pointer.Length = d.u32()
		s.Pointer.Sector = d.u32()
		r.Swaps = append(r.Swaps, s)
	}
	n = d.u32()
	if uint64(n)*4 > uint64(len(body)) {
		return Record{}, fmt.Errorf("%w: journal rename count %d", cachetype.ErrFormat, n)
	}
	for range n {
		r.Renames = append(r.Renames, Rename{From: d.str(), To: d.str()})
	}
	if d.err != nil {
		return Record{}, d.err
	}
	if d.pos != len(body) {
		return Record{}, fmt.Errorf("%w: %d trailing journal bytes", cachetype.ErrFormat, len(body)-d.pos)
	}
	return r, nil
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("%w: journal truncated", cachetype.ErrFormat)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) str() string {
	b := d.take(2)
	if b == nil {
		return ""
	}
	return string(d.take(int(binary.BigEndian.Uint16(b))))
}
