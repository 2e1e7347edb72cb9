// Package cachetype defines shared types used across the gamecache package and
// its internal packages. This avoids circular imports between gamecache and the
// codec, container and table packages.
package cachetype

import "fmt"

// Compression identifies the compression algorithm used for a container.
//
// The numeric values are the on-disk tag byte and must not change.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionBzip2
	CompressionGzip
	CompressionLZMA
)

// CompressionAuto asks the encoder to pick whichever codec yields the
// smallest container. It is never written to disk.
const CompressionAuto Compression = 0xFF

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionBzip2:
		return "bzip2"
	case CompressionGzip:
		return "gzip"
	case CompressionLZMA:
		return "lzma"
	case CompressionAuto:
		return "auto"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Valid reports whether c is a known compression tag.
func (c Compression) Valid() bool {
	return c <= CompressionLZMA
}

// ParseCompression maps a name accepted by String back to its tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "bzip2", "bz2":
		return CompressionBzip2, nil
	case "gzip", "gz":
		return CompressionGzip, nil
	case "lzma":
		return CompressionLZMA, nil
	case "auto", "best":
		return CompressionAuto, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrFormat, name)
	}
}
