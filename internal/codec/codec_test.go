package codec

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gamecache/internal/cachetype"
)

var allKinds = []cachetype.Compression{
	cachetype.CompressionNone,
	cachetype.CompressionBzip2,
	cachetype.CompressionGzip,
	cachetype.CompressionLZMA,
}

func payloads() map[string][]byte {
	rng := rand.New(rand.NewPCG(1, 2))
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(rng.UintN(256))
	}
	return map[string][]byte{
		"empty":      {},
		"one byte":   {0x42},
		"repetitive": bytes.Repeat([]byte("sector chain "), 500),
		"random":     random,
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, kind := range allKinds {
		for name, raw := range payloads() {
			t.Run(kind.String()+"/"+name, func(t *testing.T) {
				t.Parallel()
				body, err := Compress(kind, raw)
				require.NoError(t, err)

				got, err := Decompress(kind, body, len(raw))
				require.NoError(t, err)
				assert.Equal(t, len(raw), len(got))
				assert.True(t, bytes.Equal(raw, got))
			})
		}
	}
}

func TestBzip2BodyHasNoMagic(t *testing.T) {
	t.Parallel()

	body, err := Compress(cachetype.CompressionBzip2, []byte("hello hello hello"))
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(body, []byte("BZh")))
}

func TestLZMABodyOmitsSize(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{1, 2, 3, 4}, 64)
	body, err := Compress(cachetype.CompressionLZMA, raw)
	require.NoError(t, err)
	require.Greater(t, len(body), lzmaPropsLen)
	// The properties byte for lc=3 lp=0 pb=2.
	assert.Equal(t, byte(0x5D), body[0])
}

func TestLZMAEmptyStream(t *testing.T) {
	t.Parallel()

	body, err := Compress(cachetype.CompressionLZMA, nil)
	require.NoError(t, err)
	require.Len(t, body, lzmaPropsLen+lzmaFlushLen)
	assert.Equal(t, byte(0x5D), body[0])

	got, err := Decompress(cachetype.CompressionLZMA, body, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	trailing := append(bytes.Clone(body), 0)
	_, err = Decompress(cachetype.CompressionLZMA, trailing, 0)
	require.ErrorIs(t, err, cachetype.ErrDecompression)

	dirty := bytes.Clone(body)
	dirty[len(dirty)-1] = 1
	_, err = Decompress(cachetype.CompressionLZMA, dirty, 0)
	require.ErrorIs(t, err, cachetype.ErrDecompression)

	badProps := bytes.Clone(body)
	badProps[0] = 0xFF
	_, err = Decompress(cachetype.CompressionLZMA, badProps, 0)
	require.ErrorIs(t, err, cachetype.ErrDecompression)
}

func TestDecompressLengthMismatch(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte("abc"), 100)
	for _, kind := range []cachetype.Compression{cachetype.CompressionBzip2, cachetype.CompressionGzip} {
		body, err := Compress(kind, raw)
		require.NoError(t, err)

		_, err = Decompress(kind, body, len(raw)-1)
		require.ErrorIs(t, err, cachetype.ErrDecompression, kind.String())
		require.ErrorIs(t, err, cachetype.ErrFormat, kind.String())

		_, err = Decompress(kind, body, len(raw)+1)
		require.ErrorIs(t, err, cachetype.ErrDecompression, kind.String())
	}

	_, err := Decompress(cachetype.CompressionNone, []byte("abc"), 4)
	require.ErrorIs(t, err, cachetype.ErrDecompression)
}

func TestDecompressGarbage(t *testing.T) {
	t.Parallel()

	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x11, 0x22, 0x33, 0x44}
	for _, kind := range []cachetype.Compression{cachetype.CompressionBzip2, cachetype.CompressionGzip} {
		_, err := Decompress(kind, garbage, 10)
		require.ErrorIs(t, err, cachetype.ErrDecompression, kind.String())
	}
}

func TestUnknownTag(t *testing.T) {
	t.Parallel()

	_, err := Compress(cachetype.Compression(9), []byte("x"))
	require.ErrorIs(t, err, cachetype.ErrFormat)
	_, err = Decompress(cachetype.Compression(4), []byte("x"), 1)
	require.ErrorIs(t, err, cachetype.ErrFormat)
}

func TestBest(t *testing.T) {
	t.Parallel()

	kind, body, err := Best([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, cachetype.CompressionNone, kind, "tiny inputs never benefit from compression")
	assert.Equal(t, []byte{1, 2, 3}, body)

	raw := bytes.Repeat([]byte("archive "), 1000)
	kind, body, err = Best(raw)
	require.NoError(t, err)
	assert.NotEqual(t, cachetype.CompressionNone, kind)
	assert.Less(t, len(body), len(raw))

	got, err := Decompress(kind, body, len(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}
