// Package codec implements the closed set of container compression codecs.
//
// Every codec is reached through the single table in this file; adding a tag
// means adding a row, not a new call site.
package codec

import (
	"fmt"

	"github.com/meigma/gamecache/internal/cachetype"
)

// Compressor encodes and decodes container bodies for one tag.
type Compressor interface {
	Compress(raw []byte) ([]byte, error)
	// Decompress must produce exactly n bytes.
	Decompress(body []byte, n int) ([]byte, error)
}

var table = map[cachetype.Compression]Compressor{
	cachetype.CompressionNone:  noneCodec{},
	cachetype.CompressionBzip2: bzip2Codec{},
	cachetype.CompressionGzip:  newGzipCodec(),
	cachetype.CompressionLZMA:  lzmaCodec{},
}

// bestOrder is the preference order used to break size ties in Best.
var bestOrder = []cachetype.Compression{
	cachetype.CompressionNone,
	cachetype.CompressionGzip,
	cachetype.CompressionBzip2,
	cachetype.CompressionLZMA,
}

func lookup(kind cachetype.Compression) (Compressor, error) {
	c, ok := table[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression tag %d", cachetype.ErrFormat, uint8(kind))
	}
	return c, nil
}

// Compress encodes raw with the codec for kind.
func Compress(kind cachetype.Compression, raw []byte) ([]byte, error) {
	c, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	out, err := c.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", kind, err)
	}
	return out, nil
}

// Decompress decodes body with the codec for kind. The result must be exactly
// n bytes long, otherwise ErrDecompression is returned.
func Decompress(kind cachetype.Compression, body []byte, n int) ([]byte, error) {
	c, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", cachetype.ErrDecompression, n)
	}
	out, err := c.Decompress(body, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", cachetype.ErrDecompression, kind, err)
	}
	if len(out) != n {
		return nil, fmt.Errorf("%w: %s produced %d bytes, want %d",
			cachetype.ErrDecompression, kind, len(out), n)
	}
	return out, nil
}

// Overhead is the number of header bytes a container adds for kind on top of
// the compressed body.
func Overhead(kind cachetype.Compression) int {
	if kind == cachetype.CompressionNone {
		return 5
	}
	return 9
}

// Best compresses raw with every codec and returns the kind and body giving
// the smallest container. Ties go to the earlier kind in preference order, so
// incompressible data stays uncompressed.
func Best(raw []byte) (cachetype.Compression, []byte, error) {
	bestKind := cachetype.CompressionNone
	var bestBody []byte
	bestSize := -1
	for _, kind := range bestOrder {
		body, err := Compress(kind, raw)
		if err != nil {
			return 0, nil, err
		}
		size := len(body) + Overhead(kind)
		if bestSize < 0 || size < bestSize {
			bestKind, bestBody, bestSize = kind, body, size
		}
	}
	return bestKind, bestBody, nil
}

type noneCodec struct{}

func (noneCodec) Compress(raw []byte) ([]byte, error) {
	return append([]byte(nil), raw...), nil
}

func (noneCodec) Decompress(body []byte, _ int) ([]byte, error) {
	return append([]byte(nil), body...), nil
}
