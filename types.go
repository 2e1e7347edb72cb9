package gamecache

import (
	"github.com/opencontainers/go-digest"

	"github.com/meigma/gamecache/internal/blockcipher"
	"github.com/meigma/gamecache/internal/cachetype"
	"github.com/meigma/gamecache/internal/reftable"
)

// MasterIndex is the id of the index holding every reference table.
const MasterIndex = 255

// Compression identifies the compression codec of a container.
type Compression = cachetype.Compression

// Compression constants.
const (
	CompressionNone  = cachetype.CompressionNone
	CompressionBzip2 = cachetype.CompressionBzip2
	CompressionGzip  = cachetype.CompressionGzip
	CompressionLZMA  = cachetype.CompressionLZMA
	// CompressionAuto picks the codec producing the smallest container.
	CompressionAuto = cachetype.CompressionAuto
)

// ParseCompression maps a codec name ("none", "bzip2", "gzip", "lzma",
// "auto") to its Compression.
func ParseCompression(name string) (Compression, error) {
	return cachetype.ParseCompression(name)
}

// Key is a 128-bit XTEA key. The zero key means "not encrypted".
type Key = blockcipher.Key

// KeyFromInts converts the signed key words used by key dumps.
func KeyFromInts(words [4]int32) Key {
	return blockcipher.KeyFromInts(words)
}

// KeyProvider supplies XTEA keys for encrypted archives.
type KeyProvider interface {
	Key(index, archive int) (Key, bool)
}

// KeyFunc adapts a function to KeyProvider.
type KeyFunc func(index, archive int) (Key, bool)

// Key calls f.
func (f KeyFunc) Key(index, archive int) (Key, bool) {
	return f(index, archive)
}

// KeyMap is a static KeyProvider keyed by index then archive.
type KeyMap map[int]map[int]Key

// Key looks up the key for an archive.
func (m KeyMap) Key(index, archive int) (Key, bool) {
	k, ok := m[index][archive]
	return k, ok
}

// NameHash returns the hash stored for a named archive or file.
func NameHash(name string) int32 {
	return reftable.NameHash(name)
}

// Layout selects how block files are arranged in a cache directory.
type Layout uint8

const (
	// LayoutPerIndex stores each index in its own block file,
	// main_file_cache.dat2.N.
	LayoutPerIndex Layout = iota
	// LayoutShared stores every index in main_file_cache.dat2.
	LayoutShared
)

func (l Layout) String() string {
	switch l {
	case LayoutPerIndex:
		return "per-index"
	case LayoutShared:
		return "shared"
	default:
		return "unknown"
	}
}

// ArchiveInfo describes one archive of an index.
type ArchiveInfo struct {
	Index    int
	ID       int
	NameHash int32
	Revision int32
	// CRC is the CRC-32 of the stored container without its revision trailer.
	CRC uint32
	// Whirlpool is nil when the index does not record digests.
	Whirlpool       []byte
	Compression     Compression
	StoredLen       int
	CompressedLen   int
	UncompressedLen int
	Files           []int
}

// IndexChecksum is the checksum-table row of one index: the digest of its
// stored reference table.
type IndexChecksum struct {
	Index     int
	CRC       uint32
	Whirlpool []byte
	Revision  int32
	Archives  int
	StoredLen int
}

// ManifestEntry is the checksum interface of one archive.
type ManifestEntry struct {
	Archive   int
	Revision  int32
	CRC       uint32
	Whirlpool []byte
	// Digest is the sha256 of the stored container bytes.
	Digest digest.Digest
	Size   int
}

// RebuildReport summarizes Rebuild.
type RebuildReport struct {
	Index   int
	Checked int
	// Dropped lists archives removed from the reference table because their
	// data could not be read or failed verification.
	Dropped []int
	// Orphans lists pointer records without a reference table entry.
	Orphans     []int
	FreeSectors int
}
