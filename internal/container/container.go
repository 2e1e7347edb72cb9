// Package container encodes and decodes the self-describing envelope every
// archive and reference table is stored in.
//
// Layout, big-endian:
//
//	u8  compression tag
//	u32 compressed length
//	u32 uncompressed length   (only when the tag is not none)
//	... body
//	u16 revision              (optional trailer)
//
// With a non-zero key, the bytes from offset 5 through the end of the body
// are XTEA-transformed over their whole 8-byte blocks; a trailing partial
// block is stored in the clear.
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/gamecache/internal/blockcipher"
	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/codec"
	"github.com/meigma/gamecache/internal/sizing"
)

const (
	// HeaderLen is the fixed prefix: tag plus compressed length.
	HeaderLen = 5
	// TrailerLen is the size of the optional revision trailer.
	TrailerLen = 2
)

// Container is a decoded envelope.
type Container struct {
	Compression cachetype.Compression
	// Data is the decompressed payload.
	Data []byte
	// Revision is the low 16 bits of the archive revision, valid when
	// HasRevision is set.
	Revision    uint16
	HasRevision bool
}

// Encode compresses c.Data with c.Compression (or the best codec for
// CompressionAuto), encrypts when key is non-zero and appends the revision
// trailer when c.HasRevision is set.
func Encode(c Container, key blockcipher.Key) ([]byte, error) {
	kind := c.Compression
	var body []byte
	var err error
	if kind == cachetype.CompressionAuto {
		kind, body, err = codec.Best(c.Data)
	} else {
		body, err = codec.Compress(kind, c.Data)
	}
	if err != nil {
		return nil, err
	}

	compLen, err := sizing.ToUint32(len(body), cachetype.ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	size := codec.Overhead(kind) + len(body)
	if c.HasRevision {
		size += TrailerLen
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(kind))
	buf = binary.BigEndian.AppendUint32(buf, compLen)
	if kind != cachetype.CompressionNone {
		rawLen, err := sizing.ToUint32(len(c.Data), cachetype.ErrSizeOverflow)
		if err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, rawLen)
	}
	buf = append(buf, body...)

	if !key.IsZero() {
		if err := transform(buf[HeaderLen:], key, blockcipher.Encrypt); err != nil {
			return nil, err
		}
	}
	if c.HasRevision {
		buf = binary.BigEndian.AppendUint16(buf, c.Revision)
	}
	return buf, nil
}

// Decode parses, decrypts and decompresses buf. buf is not modified.
func Decode(buf []byte, key blockcipher.Key) (Container, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return Container{}, err
	}

	region := buf[HeaderLen:h.end]
	if !key.IsZero() {
		region = append([]byte(nil), region...)
		if err := transform(region, key, blockcipher.Decrypt); err != nil {
			return Container{}, err
		}
	}

	c := Container{Compression: h.kind}
	body := region
	rawLen := len(body)
	if h.kind != cachetype.CompressionNone {
		n, err := sizing.ToInt(uint64(binary.BigEndian.Uint32(region)), cachetype.ErrSizeOverflow)
		if err != nil {
			return Container{}, err
		}
		rawLen = n
		body = region[4:]
	}

	c.Data, err = codec.Decompress(h.kind, body, rawLen)
	if err != nil {
		if !key.IsZero() {
			// A wrong key surfaces as undecodable data.
			return Container{}, fmt.Errorf("decode container (keyed): %w", err)
		}
		return Container{}, fmt.Errorf("decode container: %w", err)
	}
	if h.hasTrailer {
		c.HasRevision = true
		c.Revision = binary.BigEndian.Uint16(buf[h.end:])
	}
	return c, nil
}

// Header describes an encoded container without decoding its body.
type Header struct {
	Compression cachetype.Compression
	// Length is the encoded size excluding the revision trailer.
	Length      int
	HasRevision bool
	Revision    uint16
}

// Peek validates the framing of buf and reports its header.
func Peek(buf []byte) (Header, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return Header{}, err
	}
	out := Header{Compression: h.kind, Length: h.end, HasRevision: h.hasTrailer}
	if h.hasTrailer {
		out.Revision = binary.BigEndian.Uint16(buf[h.end:])
	}
	return out, nil
}

// Checksummed returns the prefix of buf covered by checksums, which is
// everything except the revision trailer.
func Checksummed(buf []byte) ([]byte, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	return buf[:h.end], nil
}

// WithRevision returns a copy of an encoded container whose trailer is set to
// rev, adding one if absent.
func WithRevision(buf []byte, rev uint16) ([]byte, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, h.end+TrailerLen)
	out = append(out, buf[:h.end]...)
	return binary.BigEndian.AppendUint16(out, rev), nil
}

type header struct {
	kind       cachetype.Compression
	end        int // offset just past the body
	hasTrailer bool
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < HeaderLen {
		return header{}, fmt.Errorf("%w: container of %d bytes is shorter than its header",
			cachetype.ErrFormat, len(buf))
	}
	kind := cachetype.Compression(buf[0])
	if !kind.Valid() {
		return header{}, fmt.Errorf("%w: unknown compression tag %d", cachetype.ErrFormat, buf[0])
	}
	compLen := uint64(binary.BigEndian.Uint32(buf[1:HeaderLen]))
	end := uint64(codec.Overhead(kind)) + compLen
	if end > uint64(len(buf)) {
		return header{}, fmt.Errorf("%w: container declares %d bytes, have %d",
			cachetype.ErrFormat, end, len(buf))
	}
	h := header{kind: kind, end: int(end)} //nolint:gosec // bounded by len(buf)
	switch len(buf) - h.end {
	case 0:
	case TrailerLen:
		h.hasTrailer = true
	default:
		return header{}, fmt.Errorf("%w: container has %d trailing bytes",
			cachetype.ErrFormat, len(buf)-h.end)
	}
	return h, nil
}

func transform(region []byte, key blockcipher.Key, fn func([]byte, blockcipher.Key) error) error {
	return fn(region[:blockcipher.Aligned(len(region))], key)
}
