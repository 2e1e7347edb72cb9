package gamecache

import (
	"os"
	"runtime"
	"testing"

	"github.com/meigma/gamecache/internal/testutil"
)

var (
	benchSinkBytes []byte
	benchSinkRev   int32
	benchSinkFiles map[int][]byte
)

type benchPattern string

const (
	benchPatternCompressible benchPattern = "compressible"
	benchPatternRandom       benchPattern = "random"

	benchIndex = 2
)

func init() {
	if os.Getenv("GAMECACHE_PROFILE_BLOCK") == "1" {
		runtime.SetBlockProfileRate(1)
	}
	if os.Getenv("GAMECACHE_PROFILE_MUTEX") == "1" {
		runtime.SetMutexProfileFraction(1)
	}
}

func benchData(pattern benchPattern, seed uint64, size int) []byte {
	if pattern == benchPatternRandom {
		return testutil.Payload(seed, size)
	}
	return testutil.Compressible(size)
}

func newBenchCache(b *testing.B, opts ...Option) *Cache {
	b.Helper()
	c, err := Open(b.TempDir(), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	if err := c.CreateIndex(benchIndex); err != nil {
		b.Fatal(err)
	}
	return c
}

// fillBenchCache writes count single-file archives and returns their ids.
func fillBenchCache(b *testing.B, c *Cache, count, size int, pattern benchPattern, opts ...OpOption) []int {
	b.Helper()
	ids := make([]int, count)
	for i := range ids {
		ids[i] = i
		if _, err := c.WriteArchive(benchIndex, i, benchData(pattern, uint64(i), size), opts...); err != nil { //nolint:gosec // i is non-negative
			b.Fatal(err)
		}
	}
	return ids
}

func BenchmarkWriteArchive(b *testing.B) {
	cases := []struct {
		name        string
		size        int
		compression Compression
		pattern     benchPattern
	}{
		{name: "size=16k/none/compressible", size: 16 << 10, compression: CompressionNone, pattern: benchPatternCompressible},
		{name: "size=16k/gzip/compressible", size: 16 << 10, compression: CompressionGzip, pattern: benchPatternCompressible},
		{name: "size=16k/bzip2/compressible", size: 16 << 10, compression: CompressionBzip2, pattern: benchPatternCompressible},
		{name: "size=16k/lzma/compressible", size: 16 << 10, compression: CompressionLZMA, pattern: benchPatternCompressible},
		{name: "size=16k/gzip/random", size: 16 << 10, compression: CompressionGzip, pattern: benchPatternRandom},
		{name: "size=256k/gzip/compressible", size: 256 << 10, compression: CompressionGzip, pattern: benchPatternCompressible},
	}

	for _, bc := range cases {
		b.Run(bc.name, func(b *testing.B) {
			c := newBenchCache(b)
			data := benchData(bc.pattern, 1, bc.size)
			b.SetBytes(int64(bc.size))

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				rev, err := c.WriteArchive(benchIndex, i%64, data, WithCompression(bc.compression))
				if err != nil {
					b.Fatal(err)
				}
				benchSinkRev = rev
			}
		})
	}
}

func BenchmarkReadArchive(b *testing.B) {
	cases := []struct {
		name        string
		size        int
		compression Compression
		decoded     int
	}{
		{name: "size=16k/gzip/decoded-cache", size: 16 << 10, compression: CompressionGzip, decoded: 256},
		{name: "size=16k/gzip/no-cache", size: 16 << 10, compression: CompressionGzip, decoded: 0},
		{name: "size=16k/bzip2/no-cache", size: 16 << 10, compression: CompressionBzip2, decoded: 0},
		{name: "size=16k/lzma/no-cache", size: 16 << 10, compression: CompressionLZMA, decoded: 0},
		{name: "size=16k/none/no-cache", size: 16 << 10, compression: CompressionNone, decoded: 0},
	}

	for _, bc := range cases {
		b.Run(bc.name, func(b *testing.B) {
			c := newBenchCache(b, WithDecodedCacheSize(bc.decoded))
			ids := fillBenchCache(b, c, 64, bc.size, benchPatternCompressible, WithCompression(bc.compression))
			b.SetBytes(int64(bc.size))

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				data, err := c.ReadArchive(benchIndex, ids[i%len(ids)])
				if err != nil {
					b.Fatal(err)
				}
				benchSinkBytes = data
			}
		})
	}
}

func BenchmarkReadArchiveParallel(b *testing.B) {
	c := newBenchCache(b, WithDecodedCacheSize(0))
	ids := fillBenchCache(b, c, 64, 16<<10, benchPatternCompressible, WithCompression(CompressionGzip))
	b.SetBytes(16 << 10)

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			data, err := c.ReadArchive(benchIndex, ids[i%len(ids)])
			if err != nil {
				b.Error(err)
				return
			}
			i++
			_ = data
		}
	})
}

func BenchmarkReadEncrypted(b *testing.B) {
	c := newBenchCache(b, WithDecodedCacheSize(0))
	ids := fillBenchCache(b, c, 16, 16<<10, benchPatternCompressible,
		WithCompression(CompressionGzip), WithKey(testKey))
	b.SetBytes(16 << 10)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; b.Loop(); i++ {
		data, err := c.ReadArchive(benchIndex, ids[i%len(ids)], WithKey(testKey))
		if err != nil {
			b.Fatal(err)
		}
		benchSinkBytes = data
	}
}

func BenchmarkReadFiles(b *testing.B) {
	cases := []struct {
		name  string
		files int
		size  int
	}{
		{name: "files=16/size=1k", files: 16, size: 1 << 10},
		{name: "files=256/size=256", files: 256, size: 256},
	}

	for _, bc := range cases {
		b.Run(bc.name, func(b *testing.B) {
			c := newBenchCache(b, WithDecodedCacheSize(0))
			files := make(map[int][]byte, bc.files)
			for i := range bc.files {
				files[i] = benchData(benchPatternRandom, uint64(i), bc.size) //nolint:gosec // i is non-negative
			}
			if _, err := c.WriteFiles(benchIndex, 0, files, WithCompression(CompressionGzip)); err != nil {
				b.Fatal(err)
			}
			b.SetBytes(int64(bc.files * bc.size))

			b.ReportAllocs()
			b.ResetTimer()
			for b.Loop() {
				out, err := c.ReadFiles(benchIndex, 0)
				if err != nil {
					b.Fatal(err)
				}
				benchSinkFiles = out
			}
		})
	}
}

func BenchmarkDefragment(b *testing.B) {
	for b.Loop() {
		b.StopTimer()
		c := newBenchCache(b)
		ids := fillBenchCache(b, c, 128, 4<<10, benchPatternRandom, WithCompression(CompressionNone))
		for i := 0; i < len(ids); i += 2 {
			if err := c.Remove(benchIndex, ids[i]); err != nil {
				b.Fatal(err)
			}
		}
		b.StartTimer()

		if err := c.Defragment(benchIndex); err != nil {
			b.Fatal(err)
		}
	}
}
