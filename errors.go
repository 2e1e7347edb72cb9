package gamecache

import "github.com/meigma/gamecache/internal/cachetype"

// Errors re-exported from internal/cachetype.
//
// Errors about cache contents or storage match one of ErrFormat,
// ErrCorruption, ErrNotFound or ErrIO with errors.Is. Misuse of the Cache
// itself returns ErrReadOnly or ErrClosed.
var (
	// ErrFormat is returned when bytes do not follow the expected layout.
	ErrFormat = cachetype.ErrFormat

	// ErrCorruption is returned when stored data is internally inconsistent,
	// such as a checksum mismatch or a broken sector chain.
	ErrCorruption = cachetype.ErrCorruption

	// ErrNotFound is returned when an index, archive or file does not exist.
	ErrNotFound = cachetype.ErrNotFound

	// ErrIO is returned when the backing storage fails.
	ErrIO = cachetype.ErrIO

	// ErrDecompression is returned when a container body cannot be decoded.
	// It also matches ErrFormat.
	ErrDecompression = cachetype.ErrDecompression

	// ErrSizeOverflow is returned when a length exceeds what the format can
	// address. It also matches ErrFormat.
	ErrSizeOverflow = cachetype.ErrSizeOverflow

	// ErrReadOnly is returned by mutating operations on a read-only cache.
	ErrReadOnly = cachetype.ErrReadOnly

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = cachetype.ErrClosed
)

// ChecksumError reports which digest of an archive failed verification.
// It matches ErrCorruption.
type ChecksumError = cachetype.ChecksumError
