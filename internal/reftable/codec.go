package reftable

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/meigma/gamecache/internal/cachetype"
)

// Encode serializes t. The protocol is raised to ProtocolSmart when an id or
// count does not fit 16 bits, and to ProtocolOriginal when unset.
func Encode(t *Table) ([]byte, error) {
	ids := t.IDs()
	protocol := max(t.Protocol, ProtocolOriginal)
	if protocol < ProtocolSmart && needsSmart(t, ids) {
		protocol = ProtocolSmart
	}
	if protocol > ProtocolSmart {
		return nil, fmt.Errorf("%w: unsupported reference table protocol %d", cachetype.ErrFormat, protocol)
	}

	if len(ids) > 0 && ids[len(ids)-1] > MaxID {
		return nil, fmt.Errorf("%w: archive id %d exceeds %d", cachetype.ErrFormat, ids[len(ids)-1], MaxID)
	}

	w := writer{smart: protocol >= ProtocolSmart}
	w.u8(protocol)
	if protocol >= ProtocolVersioned {
		w.u32(uint32(t.Revision)) //nolint:gosec // stored as i32
	}
	w.u8(uint8(t.Flags))
	w.count(len(ids))

	var prev uint32
	for _, id := range ids {
		w.count(int(id - prev))
		prev = id
	}

	archives := make([]Archive, len(ids))
	for i, id := range ids {
		archives[i] = t.archives[id]
		if err := checkFiles(archives[i]); err != nil {
			return nil, err
		}
	}

	if t.Flags.Has(FlagNames) {
		for _, a := range archives {
			w.u32(uint32(a.NameHash)) //nolint:gosec // stored as i32
		}
	}
	for _, a := range archives {
		w.u32(a.CRC)
	}
	if t.Flags.Has(FlagUncompressedChecksums) {
		for _, a := range archives {
			w.u32(a.UncompressedCRC)
		}
	}
	if t.Flags.Has(FlagDigests) {
		for _, a := range archives {
			w.buf = append(w.buf, a.Digest[:]...)
		}
	}
	if t.Flags.Has(FlagLengths) {
		for _, a := range archives {
			w.u32(a.CompressedLen)
			w.u32(a.UncompressedLen)
		}
	}
	for _, a := range archives {
		w.u32(uint32(a.Revision)) //nolint:gosec // stored as i32
	}
	for _, a := range archives {
		w.count(len(a.Files))
	}
	for _, a := range archives {
		var prev uint32
		for _, f := range a.Files {
			w.count(int(f.ID - prev))
			prev = f.ID
		}
	}
	if t.Flags.Has(FlagNames) {
		for _, a := range archives {
			for _, f := range a.Files {
				w.u32(uint32(f.NameHash)) //nolint:gosec // stored as i32
			}
		}
	}
	return w.buf, nil
}

// Decode parses an encoded reference table.
func Decode(buf []byte) (*Table, error) {
	r := reader{buf: buf}
	protocol := r.u8()
	if r.err == nil && (protocol < ProtocolOriginal || protocol > ProtocolSmart) {
		return nil, fmt.Errorf("%w: unsupported reference table protocol %d", cachetype.ErrFormat, protocol)
	}
	r.smart = protocol >= ProtocolSmart

	t := &Table{Protocol: protocol}
	if protocol >= ProtocolVersioned {
		t.Revision = int32(r.u32()) //nolint:gosec // stored as i32
	}
	t.Flags = Flags(r.u8())

	n := r.count()
	if r.err != nil {
		return nil, r.err
	}
	// Every archive needs at least a CRC, a revision and a file count.
	if n > len(buf) {
		return nil, fmt.Errorf("%w: reference table claims %d archives in %d bytes", cachetype.ErrFormat, n, len(buf))
	}

	archives := make([]Archive, n)
	var id uint32
	for i := range archives {
		delta := r.count()
		if i > 0 && delta == 0 && r.err == nil {
			return nil, fmt.Errorf("%w: duplicate archive id %d", cachetype.ErrFormat, id)
		}
		next := uint64(id) + uint64(delta) //nolint:gosec // count is non-negative
		if next > MaxID {
			return nil, fmt.Errorf("%w: archive id overflow", cachetype.ErrFormat)
		}
		id = uint32(next)
		archives[i].ID = id
	}

	if t.Flags.Has(FlagNames) {
		for i := range archives {
			archives[i].NameHash = int32(r.u32()) //nolint:gosec // stored as i32
		}
	}
	for i := range archives {
		archives[i].CRC = r.u32()
	}
	if t.Flags.Has(FlagUncompressedChecksums) {
		for i := range archives {
			archives[i].UncompressedCRC = r.u32()
		}
	}
	if t.Flags.Has(FlagDigests) {
		for i := range archives {
			copy(archives[i].Digest[:], r.bytes(DigestLen))
		}
	}
	if t.Flags.Has(FlagLengths) {
		for i := range archives {
			archives[i].CompressedLen = r.u32()
			archives[i].UncompressedLen = r.u32()
		}
	}
	for i := range archives {
		archives[i].Revision = int32(r.u32()) //nolint:gosec // stored as i32
	}
	for i := range archives {
		count := r.count()
		if r.err != nil {
			return nil, r.err
		}
		if count > len(buf) {
			return nil, fmt.Errorf("%w: archive %d claims %d files", cachetype.ErrFormat, archives[i].ID, count)
		}
		archives[i].Files = make([]File, count)
	}
	for i := range archives {
		var fid uint32
		for j := range archives[i].Files {
			delta := r.count()
			if j > 0 && delta == 0 && r.err == nil {
				return nil, fmt.Errorf("%w: duplicate file id %d in archive %d", cachetype.ErrFormat, fid, archives[i].ID)
			}
			next := uint64(fid) + uint64(delta) //nolint:gosec // count is non-negative
			if next > MaxID {
				return nil, fmt.Errorf("%w: file id overflow", cachetype.ErrFormat)
			}
			fid = uint32(next)
			archives[i].Files[j].ID = fid
		}
	}
	if t.Flags.Has(FlagNames) {
		for i := range archives {
			for j := range archives[i].Files {
				archives[i].Files[j].NameHash = int32(r.u32()) //nolint:gosec // stored as i32
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes after reference table", cachetype.ErrFormat, len(buf)-r.pos)
	}

	t.archives = make(map[uint32]Archive, n)
	for _, a := range archives {
		t.archives[a.ID] = a
	}
	return t, nil
}

func needsSmart(t *Table, ids []uint32) bool {
	if len(ids) > math.MaxUint16 {
		return true
	}
	var prev uint32
	for _, id := range ids {
		if id-prev > math.MaxUint16 {
			return true
		}
		prev = id
		a := t.archives[id]
		if len(a.Files) > math.MaxUint16 {
			return true
		}
		var fprev uint32
		for _, f := range a.Files {
			if f.ID-fprev > math.MaxUint16 {
				return true
			}
			fprev = f.ID
		}
	}
	return false
}

func checkFiles(a Archive) error {
	if n := len(a.Files); n > 0 && a.Files[n-1].ID > MaxID {
		return fmt.Errorf("%w: archive %d file id %d exceeds %d", cachetype.ErrFormat, a.ID, a.Files[n-1].ID, MaxID)
	}
	for i := 1; i < len(a.Files); i++ {
		if a.Files[i].ID <= a.Files[i-1].ID {
			return fmt.Errorf("%w: archive %d has unsorted or duplicate file id %d",
				cachetype.ErrFormat, a.ID, a.Files[i].ID)
		}
	}
	return nil
}

type writer struct {
	buf   []byte
	smart bool
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// count writes a u16, or a big smart when the smart protocol is active:
// two bytes below 0x8000, otherwise four bytes with the top bit set.
func (w *writer) count(v int) {
	if !w.smart {
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) //nolint:gosec // range checked by needsSmart
		return
	}
	if v < 0x8000 {
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) //nolint:gosec // checked above
		return
	}
	w.u32(uint32(v) | 0x80000000) //nolint:gosec // Encode caps ids and counts at MaxID
}

type reader struct {
	buf   []byte
	pos   int
	smart bool
	err   error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("%w: reference table truncated at offset %d", cachetype.ErrFormat, r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) count() int {
	if !r.smart {
		return int(r.u16())
	}
	if r.err != nil || r.pos >= len(r.buf) {
		return int(r.u16())
	}
	if r.buf[r.pos]&0x80 == 0 {
		return int(r.u16())
	}
	return int(r.u32() & 0x7FFFFFFF)
}
