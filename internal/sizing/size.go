// Package sizing provides overflow-checked size arithmetic for the fixed-width
// length fields of the cache format.
package sizing

import (
	"io"
	"math"
)

// MaxUint24 is the largest value a 3-byte length or sector field can hold.
const MaxUint24 = 1<<24 - 1

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToUint24 converts n to a value that fits a 3-byte field, returning
// overflowErr if it doesn't.
func ToUint24(n int, overflowErr error) (uint32, error) {
	if n < 0 || n > MaxUint24 {
		return 0, overflowErr
	}
	return uint32(n), nil //nolint:gosec // range checked above
}

// ToUint32 converts a non-negative int to uint32, returning overflowErr if it
// doesn't fit.
func ToUint32(n int, overflowErr error) (uint32, error) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return 0, overflowErr
	}
	return uint32(n), nil
}

// Blocks returns how many blocks of size per are needed to hold n bytes.
func Blocks(n, per int) int {
	if n <= 0 {
		return 0
	}
	return (n + per - 1) / per
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, overflowErr
	}
	return data, nil
}
