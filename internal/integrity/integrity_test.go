package integrity

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gamecache/internal/cachetype"
)

func TestCRC(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0xCBF43926), CRC([]byte("123456789")))
}

func TestWhirlpoolEmpty(t *testing.T) {
	t.Parallel()

	sum := Whirlpool(nil)
	assert.Equal(t,
		"19fa61d75522a4669b44e39c1d2e1726c530232130d407f89afee0964997f7a7"+
			"3e83be698b288febcf88e3e03c4f0757ea8964e59b63d93708b138cc42a66eb3",
		hex.EncodeToString(sum[:]))
}

func TestContentDigest(t *testing.T) {
	t.Parallel()

	d := Content([]byte("abc"))
	require.NoError(t, d.Validate())
	assert.Equal(t, "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.String())
}

func TestVerify(t *testing.T) {
	t.Parallel()

	region := []byte("container bytes")
	sums := Compute(region, true)
	require.NoError(t, Verify(1, 2, region, sums))
	require.NoError(t, Verify(1, 2, region, Sums{CRC: sums.CRC}), "zero digest is not checked")

	err := Verify(1, 2, []byte("container bytez"), sums)
	require.ErrorIs(t, err, cachetype.ErrCorruption)
	var ce *cachetype.ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "crc32", ce.Kind)
	assert.Equal(t, 2, ce.Archive)

	bad := sums
	bad.Whirlpool[0] ^= 1
	err = Verify(1, 2, region, bad)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "whirlpool", ce.Kind)
}
