package cachetype

import (
	"errors"
	"fmt"
)

// Sentinel errors for cache operations.
//
// Every error returned by the cache matches exactly one of ErrFormat,
// ErrCorruption, ErrNotFound or ErrIO with errors.Is, possibly alongside a
// more specific sentinel.
var (
	// ErrFormat is returned when stored or supplied bytes do not follow the
	// expected layout: truncated headers, bad tags, mismatched lengths.
	ErrFormat = errors.New("gamecache: malformed data")

	// ErrCorruption is returned when stored data is internally inconsistent:
	// checksum mismatches, broken or cyclic sector chains.
	ErrCorruption = errors.New("gamecache: corrupt data")

	// ErrNotFound is returned when an index, archive or file does not exist.
	ErrNotFound = errors.New("gamecache: not found")

	// ErrIO is returned when the backing storage fails.
	ErrIO = errors.New("gamecache: i/o failure")

	// ErrDecompression is returned when a compressed body cannot be decoded
	// or decodes to the wrong length.
	ErrDecompression = fmt.Errorf("%w: decompression failed", ErrFormat)

	// ErrSizeOverflow is returned when a length exceeds what the on-disk
	// format can address.
	ErrSizeOverflow = fmt.Errorf("%w: size overflow", ErrFormat)

	// ErrReadOnly is returned by mutating operations on a read-only cache.
	ErrReadOnly = errors.New("gamecache: cache is read-only")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("gamecache: cache is closed")
)

// IOError wraps err so it matches both ErrIO and the original error.
func IOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// ChecksumError reports a digest mismatch between a reference table entry and
// the bytes read from its sector chain.
type ChecksumError struct {
	Index   int
	Archive int
	Kind    string // "crc32", "whirlpool" or "uncompressed crc32"
	Want    string
	Got     string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("gamecache: %s mismatch for index %d archive %d: want %s, got %s",
		e.Kind, e.Index, e.Archive, e.Want, e.Got)
}

// Unwrap lets errors.Is(err, ErrCorruption) match.
func (e *ChecksumError) Unwrap() error {
	return ErrCorruption
}
