// Package sector implements the block file: a flat array of fixed-size
// sectors, each holding one chunk of an archive plus a small header linking
// it to the next chunk.
package sector

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/gamecache/internal/cachetype"
)

const (
	// Size is the on-disk size of every sector.
	Size = 520

	// HeaderLen is the header size for archive ids that fit in 16 bits.
	HeaderLen = 8
	// ExtendedHeaderLen is the header size for larger archive ids.
	ExtendedHeaderLen = 10

	// DataLen and ExtendedDataLen are the payload bytes per sector for each
	// header form.
	DataLen         = Size - HeaderLen
	ExtendedDataLen = Size - ExtendedHeaderLen

	// MaxSectors bounds the sector count by the 3-byte next pointer.
	MaxSectors = 1 << 24
)

// Header links a sector into its chain.
type Header struct {
	Archive uint32
	Chunk   uint16
	Next    uint32
	Index   uint8
}

// Extended reports whether an archive id needs the 10-byte header form.
func Extended(archive uint32) bool {
	return archive > 0xFFFF
}

// HeaderSize returns the header length used for archive.
func HeaderSize(archive uint32) int {
	if Extended(archive) {
		return ExtendedHeaderLen
	}
	return HeaderLen
}

// PayloadSize returns the data bytes per sector for archive.
func PayloadSize(archive uint32) int {
	return Size - HeaderSize(archive)
}

// Encode writes h into the front of dst and returns the header length.
func (h Header) Encode(dst []byte) int {
	off := 0
	if Extended(h.Archive) {
		binary.BigEndian.PutUint32(dst, h.Archive)
		off = 4
	} else {
		binary.BigEndian.PutUint16(dst, uint16(h.Archive)) //nolint:gosec // checked by Extended
		off = 2
	}
	binary.BigEndian.PutUint16(dst[off:], h.Chunk)
	putUint24(dst[off+2:], h.Next)
	dst[off+5] = h.Index
	return off + 6
}

// DecodeHeader parses the header of a sector expected to belong to archive.
func DecodeHeader(src []byte, archive uint32) (Header, error) {
	n := HeaderSize(archive)
	if len(src) < n {
		return Header{}, fmt.Errorf("%w: sector header truncated (%d bytes)", cachetype.ErrFormat, len(src))
	}
	var h Header
	off := 2
	if n == ExtendedHeaderLen {
		h.Archive = binary.BigEndian.Uint32(src)
		off = 4
	} else {
		h.Archive = uint32(binary.BigEndian.Uint16(src))
	}
	h.Chunk = binary.BigEndian.Uint16(src[off:])
	h.Next = uint24(src[off+2:])
	h.Index = src[off+5]
	return h, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
