// Package reftable models the reference table of an index: the per-archive
// metadata (ids, names, checksums, revisions and sub-file lists) stored as an
// archive of the master index.
package reftable

import (
	"maps"
	"slices"
	"strings"
	"unicode/utf16"
)

// Protocol versions understood by Decode.
const (
	ProtocolOriginal  = 5 // no table revision
	ProtocolVersioned = 6 // adds the table revision
	ProtocolSmart     = 7 // variable-width ids and counts

	// DefaultProtocol is used for newly created tables.
	DefaultProtocol = ProtocolVersioned
)

// Flags select optional columns of the encoded table.
type Flags uint8

const (
	FlagNames                 Flags = 0x01
	FlagDigests               Flags = 0x02
	FlagLengths               Flags = 0x04
	FlagUncompressedChecksums Flags = 0x08
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// MaxID is the largest archive or file id a table can hold: the 4-byte
// smart form keeps 31 bits.
const MaxID = 0x7FFFFFFF

// DigestLen is the size of a whirlpool digest column entry.
const DigestLen = 64

// File is one sub-file of an archive.
type File struct {
	ID       uint32
	NameHash int32
}

// Archive is one entry of a reference table.
type Archive struct {
	ID              uint32
	NameHash        int32
	CRC             uint32
	UncompressedCRC uint32
	Digest          [DigestLen]byte
	CompressedLen   uint32
	UncompressedLen uint32
	Revision        int32
	// Files is sorted by ID and never empty for a stored archive.
	Files []File
}

// FileIndex returns the position of file id in a.Files.
func (a Archive) FileIndex(id uint32) (int, bool) {
	return slices.BinarySearchFunc(a.Files, id, func(f File, id uint32) int {
		switch {
		case f.ID < id:
			return -1
		case f.ID > id:
			return 1
		default:
			return 0
		}
	})
}

// FileIDs returns the sub-file ids in ascending order.
func (a Archive) FileIDs() []uint32 {
	ids := make([]uint32, len(a.Files))
	for i, f := range a.Files {
		ids[i] = f.ID
	}
	return ids
}

func (a Archive) clone() Archive {
	a.Files = slices.Clone(a.Files)
	return a
}

// Table is the decoded reference table of one index.
//
// A Table is not safe for concurrent mutation; the cache swaps whole clones
// under its index lock.
type Table struct {
	Protocol uint8
	Revision int32
	Flags    Flags

	archives map[uint32]Archive
}

// New returns an empty table.
func New(protocol uint8, flags Flags) *Table {
	return &Table{Protocol: protocol, Flags: flags, archives: make(map[uint32]Archive)}
}

// Get returns the archive with id.
func (t *Table) Get(id uint32) (Archive, bool) {
	a, ok := t.archives[id]
	if !ok {
		return Archive{}, false
	}
	return a.clone(), true
}

// Set inserts or replaces an archive.
func (t *Table) Set(a Archive) {
	if t.archives == nil {
		t.archives = make(map[uint32]Archive)
	}
	a = a.clone()
	slices.SortFunc(a.Files, func(x, y File) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		default:
			return 0
		}
	})
	t.archives[a.ID] = a
}

// Delete removes an archive. It reports whether the archive existed.
func (t *Table) Delete(id uint32) bool {
	_, ok := t.archives[id]
	delete(t.archives, id)
	return ok
}

// Len returns the number of archives.
func (t *Table) Len() int {
	return len(t.archives)
}

// IDs returns the archive ids in ascending order.
func (t *Table) IDs() []uint32 {
	return slices.Sorted(maps.Keys(t.archives))
}

// NextID returns one past the highest archive id, or 0 for an empty table.
// It returns false when the highest id is already MaxID.
func (t *Table) NextID() (uint32, bool) {
	var next uint64
	for id := range t.archives {
		next = max(next, uint64(id)+1)
	}
	if next > MaxID {
		return 0, false
	}
	return uint32(next), true
}

// Lookup finds the archive whose name hash equals hash.
func (t *Table) Lookup(hash int32) (uint32, bool) {
	for _, id := range t.IDs() {
		if t.archives[id].NameHash == hash {
			return id, true
		}
	}
	return 0, false
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	out := &Table{Protocol: t.Protocol, Revision: t.Revision, Flags: t.Flags,
		archives: make(map[uint32]Archive, len(t.archives))}
	for id, a := range t.archives {
		out.archives[id] = a.clone()
	}
	return out
}

// NameHash returns the 32-bit name hash used for named archives and files:
// the Java String.hashCode of the lower-cased name.
func NameHash(name string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(strings.ToLower(name))) {
		h = 31*h + int32(c)
	}
	return h
}
