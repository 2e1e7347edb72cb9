// Package gamecache reads and writes sector-structured game asset caches
// (the "dat2/idx" layout).
//
// A cache directory holds one pointer file per index (main_file_cache.idxN),
// a master pointer file (main_file_cache.idx255) and the block files those
// pointers address. Every archive is stored as a container that may be
// compressed (none, bzip2, gzip or lzma), encrypted with XTEA and followed by
// a revision trailer. Each index has a reference table, kept in the master
// index, recording the checksum, revision and sub-file ids of its archives.
//
// # Quick Start
//
// Open a cache and read a file:
//
//	c, err := gamecache.Open("./cache")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	data, err := c.ReadFile(2, 10, 0)
//
// Write an encrypted archive:
//
//	rev, err := c.WriteArchive(5, 42, payload,
//	    gamecache.WithKey(gamecache.Key{1, 2, 3, 4}),
//	    gamecache.WithCompression(gamecache.CompressionGzip),
//	)
//
// # Durability
//
// Writes never overwrite live sectors. A new chain is written into free or
// appended sectors, the index's reference table is re-encoded into a new
// chain of the master index, and a journal entry is made durable before the
// two pointer records are swapped. A crash at any point leaves either the
// old or the new archive readable; Open rolls an unfinished journal forward.
//
// # Maintenance
//
// Freed sectors are reused by later writes but never returned to the file
// system. [Cache.Defragment] rewrites a block file compactly, [Cache.Rebuild]
// re-validates an index and repairs its reference table, and
// [Cache.RebuildTo] writes a compact copy of the whole cache elsewhere.
package gamecache
