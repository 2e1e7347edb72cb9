// Package group packs several sub-files into one archive payload.
//
// A packed payload is the sub-file data split into stripes, followed by a
// table of big-endian i32 size deltas (one row per stripe, one column per
// file) and a final byte giving the stripe count:
//
//	stripe 0: file 0 chunk, file 1 chunk, ...
//	stripe 1: ...
//	deltas    [stripes][files]i32
//	u8        stripes
//
// Archives holding a single file store its bytes directly with no trailer.
package group

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/gamecache/internal/cachetype"
)

// Pack encodes files as one payload. A single file is returned as-is; more
// than one file is written as a single stripe.
func Pack(files [][]byte) ([]byte, error) {
	switch len(files) {
	case 0:
		return nil, fmt.Errorf("%w: group has no files", cachetype.ErrFormat)
	case 1:
		return append([]byte(nil), files[0]...), nil
	}

	size := 1 + 4*len(files)
	for _, f := range files {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range files {
		out = append(out, f...)
	}
	prev := 0
	for _, f := range files {
		out = binary.BigEndian.AppendUint32(out, uint32(int32(len(f)-prev))) //nolint:gosec // two's complement delta
		prev = len(f)
	}
	return append(out, 1), nil
}

// Unpack splits payload into count files.
func Unpack(payload []byte, count int) ([][]byte, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: group file count %d", cachetype.ErrFormat, count)
	}
	if count == 1 {
		return [][]byte{append([]byte(nil), payload...)}, nil
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty group payload", cachetype.ErrFormat)
	}

	stripes := int(payload[len(payload)-1])
	if stripes == 0 {
		return nil, fmt.Errorf("%w: group has zero stripes", cachetype.ErrFormat)
	}
	tableLen := stripes * count * 4
	dataEnd := len(payload) - 1 - tableLen
	if dataEnd < 0 {
		return nil, fmt.Errorf("%w: group size table (%d stripes x %d files) exceeds payload of %d bytes",
			cachetype.ErrFormat, stripes, count, len(payload))
	}
	table := payload[dataEnd : len(payload)-1]

	// First pass: per-stripe chunk sizes and per-file totals.
	chunks := make([][]int, stripes)
	totals := make([]int, count)
	sum := 0
	pos := 0
	for s := range stripes {
		chunks[s] = make([]int, count)
		size := 0
		for f := range count {
			size += int(int32(binary.BigEndian.Uint32(table[pos:]))) //nolint:gosec // two's complement delta
			pos += 4
			if size < 0 || size > dataEnd {
				return nil, fmt.Errorf("%w: group chunk size %d out of range", cachetype.ErrFormat, size)
			}
			chunks[s][f] = size
			totals[f] += size
			sum += size
			if sum > dataEnd {
				return nil, fmt.Errorf("%w: group chunk sizes exceed data region of %d bytes",
					cachetype.ErrFormat, dataEnd)
			}
		}
	}
	if sum != dataEnd {
		return nil, fmt.Errorf("%w: group chunk sizes sum to %d, data region is %d bytes",
			cachetype.ErrFormat, sum, dataEnd)
	}

	// Second pass: gather each file's chunks in stripe order.
	files := make([][]byte, count)
	for f := range count {
		files[f] = make([]byte, 0, totals[f])
	}
	off := 0
	for s := range stripes {
		for f := range count {
			n := chunks[s][f]
			files[f] = append(files[f], payload[off:off+n]...)
			off += n
		}
	}
	return files, nil
}
