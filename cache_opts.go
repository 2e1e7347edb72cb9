package gamecache

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/gamecache/internal/reftable"
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for cache operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithLayout selects the block file layout for a new cache (default:
// LayoutPerIndex). An existing cache keeps the layout found on disk.
func WithLayout(layout Layout) Option {
	return func(c *Cache) {
		c.layout = layout
	}
}

// WithReadOnly opens the cache without write access. Mutating operations
// return ErrReadOnly and missing files are not created.
func WithReadOnly(enabled bool) Option {
	return func(c *Cache) {
		c.readOnly = enabled
	}
}

// WithVerifyChecksums controls whether reads check the stored CRC and
// whirlpool digest against the reference table (default: true).
func WithVerifyChecksums(enabled bool) Option {
	return func(c *Cache) {
		c.verify = enabled
	}
}

// WithKeys sets the provider consulted for archives read or written without
// an explicit WithKey.
func WithKeys(keys KeyProvider) Option {
	return func(c *Cache) {
		c.keys = keys
	}
}

// WithDefaultCompression sets the codec used by writes that do not pass
// WithCompression (default: CompressionAuto).
func WithDefaultCompression(kind Compression) Option {
	return func(c *Cache) {
		c.compression = kind
	}
}

// WithTableCompression sets the codec used for reference tables
// (default: CompressionGzip).
func WithTableCompression(kind Compression) Option {
	return func(c *Cache) {
		c.tableCompression = kind
	}
}

// WithDecodedCacheSize sets how many decoded archive payloads are kept in
// memory (default: 256). Set n to 0 to disable the cache.
func WithDecodedCacheSize(n int) Option {
	return func(c *Cache) {
		c.decodedSize = max(n, 0)
	}
}

// WithMetrics registers cache collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.registerer = reg
	}
}

// OpOption configures a single read or write.
type OpOption func(*opConfig)

type opConfig struct {
	key         Key
	keySet      bool
	compression Compression
	compSet     bool
	name        *int32
	fileName    *int32
}

// WithKey sets the XTEA key for this operation, overriding the cache's
// KeyProvider. The zero key disables encryption.
func WithKey(key Key) OpOption {
	return func(o *opConfig) {
		o.key = key
		o.keySet = true
	}
}

// WithCompression sets the codec for a write.
func WithCompression(kind Compression) OpOption {
	return func(o *opConfig) {
		o.compression = kind
		o.compSet = true
	}
}

// WithName sets the archive's name. Naming an archive enables name hashes
// for the whole index.
func WithName(name string) OpOption {
	return func(o *opConfig) {
		h := reftable.NameHash(name)
		o.name = &h
	}
}

// WithFileName sets the name of the sub-file being written.
func WithFileName(name string) OpOption {
	return func(o *opConfig) {
		h := reftable.NameHash(name)
		o.fileName = &h
	}
}

// IndexOption configures CreateIndex.
type IndexOption func(*indexConfig)

type indexConfig struct {
	protocol uint8
	flags    reftable.Flags
}

// IndexWithNames records name hashes for archives and files.
func IndexWithNames() IndexOption {
	return func(c *indexConfig) {
		c.flags |= reftable.FlagNames
	}
}

// IndexWithDigests records a whirlpool digest per archive.
func IndexWithDigests() IndexOption {
	return func(c *indexConfig) {
		c.flags |= reftable.FlagDigests
	}
}

// IndexWithLengths records compressed and uncompressed lengths per archive.
func IndexWithLengths() IndexOption {
	return func(c *indexConfig) {
		c.flags |= reftable.FlagLengths
	}
}

// IndexWithUncompressedChecksums records a CRC-32 of each decoded payload.
func IndexWithUncompressedChecksums() IndexOption {
	return func(c *indexConfig) {
		c.flags |= reftable.FlagUncompressedChecksums
	}
}

// IndexWithProtocol sets the reference table protocol (5, 6 or 7; default 6).
// Protocol 7 is selected automatically when ids outgrow 16 bits.
func IndexWithProtocol(protocol int) IndexOption {
	return func(c *indexConfig) {
		if protocol >= reftable.ProtocolOriginal && protocol <= reftable.ProtocolSmart {
			c.protocol = uint8(protocol) //nolint:gosec // range checked
		}
	}
}
