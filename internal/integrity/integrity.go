// Package integrity computes the checksums recorded in reference tables and
// the content digests exposed through manifests.
package integrity

import (
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/jzelinskie/whirlpool"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/gamecache/internal/cachetype"
)

// DigestLen is the size of a whirlpool digest.
const DigestLen = 64

// CRC returns the CRC-32 (IEEE) of b.
func CRC(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Whirlpool returns the whirlpool digest of b.
func Whirlpool(b []byte) [DigestLen]byte {
	h := whirlpool.New()
	h.Write(b) //nolint:errcheck // hash writes never fail
	var out [DigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Content returns the sha256 content digest of b.
func Content(b []byte) digest.Digest {
	return digest.FromBytes(b)
}

// Sums holds every checksum of one stored container.
type Sums struct {
	CRC       uint32
	Whirlpool [DigestLen]byte
}

// Compute returns the checksums of the checksummed region of a container.
func Compute(region []byte, withWhirlpool bool) Sums {
	s := Sums{CRC: CRC(region)}
	if withWhirlpool {
		s.Whirlpool = Whirlpool(region)
	}
	return s
}

// Verify compares region against want. A zero want.Whirlpool is not checked.
func Verify(index, archive int, region []byte, want Sums) error {
	if got := CRC(region); got != want.CRC {
		return &cachetype.ChecksumError{
			Index: index, Archive: archive, Kind: "crc32",
			Want: fmt.Sprintf("%08x", want.CRC), Got: fmt.Sprintf("%08x", got),
		}
	}
	if want.Whirlpool == ([DigestLen]byte{}) {
		return nil
	}
	if got := Whirlpool(region); got != want.Whirlpool {
		return &cachetype.ChecksumError{
			Index: index, Archive: archive, Kind: "whirlpool",
			Want: hex.EncodeToString(want.Whirlpool[:]), Got: hex.EncodeToString(got[:]),
		}
	}
	return nil
}
