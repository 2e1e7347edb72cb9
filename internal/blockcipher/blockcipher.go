// Package blockcipher implements the XTEA block transform applied to
// encrypted containers.
//
// Blocks are 8 bytes, words are big-endian and the cipher runs 32 cycles with
// the standard 0x9E3779B9 delta. The package always transforms what it is
// given: deciding whether a key means "no encryption" belongs to callers.
package blockcipher

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/xtea"

	"github.com/meigma/gamecache/internal/cachetype"
)

// BlockSize is the XTEA block size in bytes.
const BlockSize = xtea.BlockSize

// Key is a 128-bit XTEA key as four 32-bit words.
type Key [4]uint32

// IsZero reports whether every word of k is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// KeyFromInts converts the signed representation used by key dumps.
func KeyFromInts(words [4]int32) Key {
	var k Key
	for i, w := range words {
		k[i] = uint32(w) //nolint:gosec // bit reinterpretation
	}
	return k
}

func (k Key) cipher() *xtea.Cipher {
	var raw [16]byte
	for i, w := range k {
		binary.BigEndian.PutUint32(raw[i*4:], w)
	}
	c, err := xtea.NewCipher(raw[:])
	if err != nil {
		// NewCipher only fails on a key length other than 16.
		panic(err)
	}
	return c
}

// Encrypt enciphers data in place. len(data) must be a multiple of BlockSize.
func Encrypt(data []byte, key Key) error {
	if err := checkLength(data); err != nil {
		return err
	}
	c := key.cipher()
	for off := 0; off < len(data); off += BlockSize {
		block := data[off : off+BlockSize]
		c.Encrypt(block, block)
	}
	return nil
}

// Decrypt deciphers data in place. len(data) must be a multiple of BlockSize.
func Decrypt(data []byte, key Key) error {
	if err := checkLength(data); err != nil {
		return err
	}
	c := key.cipher()
	for off := 0; off < len(data); off += BlockSize {
		block := data[off : off+BlockSize]
		c.Decrypt(block, block)
	}
	return nil
}

// Aligned returns the longest prefix length of n that is a whole number of
// blocks.
func Aligned(n int) int {
	return n - n%BlockSize
}

func checkLength(data []byte) error {
	if len(data)%BlockSize != 0 {
		return fmt.Errorf("%w: cipher input length %d is not a multiple of %d",
			cachetype.ErrFormat, len(data), BlockSize)
	}
	return nil
}
