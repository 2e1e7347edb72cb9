package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gamecache/internal/cachetype"
)

func sampleTable(protocol uint8, flags Flags) *Table {
	t := New(protocol, flags)
	t.Revision = 42
	var digest [DigestLen]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	t.Set(Archive{
		ID: 0, NameHash: NameHash("logo"), CRC: 0xCAFEBABE, UncompressedCRC: 7, Digest: digest,
		CompressedLen: 100, UncompressedLen: 200, Revision: 3,
		Files: []File{{ID: 0, NameHash: 11}},
	})
	t.Set(Archive{
		ID: 5, CRC: 1, Revision: -1,
		Files: []File{{ID: 9, NameHash: 3}, {ID: 2, NameHash: 1}, {ID: 4, NameHash: 2}},
	})
	t.Set(Archive{ID: 6, CRC: 2, Revision: 1, Files: []File{{ID: 0}}})
	return t
}

func TestRoundTripProtocols(t *testing.T) {
	t.Parallel()

	flagSets := []Flags{0, FlagNames, FlagNames | FlagDigests | FlagLengths | FlagUncompressedChecksums}
	for _, protocol := range []uint8{ProtocolOriginal, ProtocolVersioned, ProtocolSmart} {
		for _, flags := range flagSets {
			in := sampleTable(protocol, flags)
			buf, err := Encode(in)
			require.NoError(t, err)

			out, err := Decode(buf)
			require.NoError(t, err, "protocol %d flags %#x", protocol, flags)
			assert.Equal(t, protocol, out.Protocol)
			assert.Equal(t, flags, out.Flags)
			assert.Equal(t, in.IDs(), out.IDs())
			if protocol >= ProtocolVersioned {
				assert.Equal(t, int32(42), out.Revision)
			} else {
				assert.Equal(t, int32(0), out.Revision)
			}

			for _, id := range in.IDs() {
				want, _ := in.Get(id)
				got, ok := out.Get(id)
				require.True(t, ok)
				if !flags.Has(FlagNames) {
					want.NameHash = 0
					for i := range want.Files {
						want.Files[i].NameHash = 0
					}
				}
				if !flags.Has(FlagDigests) {
					want.Digest = [DigestLen]byte{}
				}
				if !flags.Has(FlagLengths) {
					want.CompressedLen, want.UncompressedLen = 0, 0
				}
				if !flags.Has(FlagUncompressedChecksums) {
					want.UncompressedCRC = 0
				}
				assert.Equal(t, want, got)
			}
		}
	}
}

func TestFilesAreSorted(t *testing.T) {
	t.Parallel()

	a, ok := sampleTable(DefaultProtocol, 0).Get(5)
	require.True(t, ok)
	assert.Equal(t, []uint32{2, 4, 9}, a.FileIDs())

	idx, ok := a.FileIndex(4)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = a.FileIndex(3)
	assert.False(t, ok)
}

func TestLayoutProtocol6(t *testing.T) {
	t.Parallel()

	tbl := New(ProtocolVersioned, 0)
	tbl.Revision = 1
	tbl.Set(Archive{ID: 3, CRC: 0x01020304, Revision: 2, Files: []File{{ID: 0}}})

	buf, err := Encode(tbl)
	require.NoError(t, err)
	want := []byte{
		6,          // protocol
		0, 0, 0, 1, // revision
		0,    // flags
		0, 1, // count
		0, 3, // id delta
		1, 2, 3, 4, // crc
		0, 0, 0, 2, // revision
		0, 1, // file count
		0, 0, // file id delta
	}
	assert.Equal(t, want, buf)
}

func TestSmartProtocolSelectedForLargeIDs(t *testing.T) {
	t.Parallel()

	tbl := New(ProtocolVersioned, 0)
	tbl.Set(Archive{ID: 70000, Files: []File{{ID: 0}, {ID: 40000}}})

	buf, err := Encode(tbl)
	require.NoError(t, err)
	assert.Equal(t, byte(ProtocolSmart), buf[0])

	out, err := Decode(buf)
	require.NoError(t, err)
	a, ok := out.Get(70000)
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 40000}, a.FileIDs())
}

func TestSmartIDsUpToMaxID(t *testing.T) {
	t.Parallel()

	tbl := New(ProtocolSmart, 0)
	tbl.Set(Archive{ID: 3, Files: []File{{ID: 0}, {ID: 0x7FFFFFF0}, {ID: MaxID}}})
	tbl.Set(Archive{ID: MaxID, Files: []File{{ID: 1}}})

	buf, err := Encode(tbl)
	require.NoError(t, err)
	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, MaxID}, out.IDs())
	a, ok := out.Get(3)
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 0x7FFFFFF0, MaxID}, a.FileIDs())
}

func TestEncodeRejectsIDsAboveMaxID(t *testing.T) {
	t.Parallel()

	files := New(ProtocolSmart, 0)
	files.Set(Archive{ID: 0, Files: []File{{ID: 0}, {ID: 0x80000005}}})
	_, err := Encode(files)
	require.ErrorIs(t, err, cachetype.ErrFormat)

	archives := New(ProtocolSmart, 0)
	archives.Set(Archive{ID: 0x80000000, Files: []File{{ID: 0}}})
	_, err = Encode(archives)
	require.ErrorIs(t, err, cachetype.ErrFormat)
}

func TestDecodeRejectsIDsAboveMaxID(t *testing.T) {
	t.Parallel()

	// Two archives whose deltas sum past MaxID.
	buf := []byte{ProtocolSmart, 0, 0, 0, 0, 0, 0, 2}
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF, 0x80, 0, 0, 5)
	buf = append(buf, make([]byte, 8*2+2*2+2*2)...)
	_, err := Decode(buf)
	require.ErrorIs(t, err, cachetype.ErrFormat)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	valid, err := Encode(sampleTable(DefaultProtocol, FlagNames))
	require.NoError(t, err)

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"bad protocol", []byte{4, 0, 0}},
		{"future protocol", []byte{8, 0, 0, 0, 0, 0, 0, 0}},
		{"truncated", valid[:len(valid)-3]},
		{"trailing", append(append([]byte(nil), valid...), 0)},
		{"duplicate id", []byte{5, 0, 0, 2, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.buf)
			require.ErrorIs(t, err, cachetype.ErrFormat)
		})
	}
}

func TestEncodeRejectsDuplicateFiles(t *testing.T) {
	t.Parallel()

	tbl := New(DefaultProtocol, 0)
	tbl.Set(Archive{ID: 1, Files: []File{{ID: 2}, {ID: 2}}})
	_, err := Encode(tbl)
	require.ErrorIs(t, err, cachetype.ErrFormat)
}

func TestTableHelpers(t *testing.T) {
	t.Parallel()

	tbl := sampleTable(DefaultProtocol, FlagNames)
	assert.Equal(t, 3, tbl.Len())
	next, ok := tbl.NextID()
	assert.True(t, ok)
	assert.Equal(t, uint32(7), next)
	next, ok = New(DefaultProtocol, 0).NextID()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), next)

	full := New(DefaultProtocol, 0)
	full.Set(Archive{ID: MaxID, Files: []File{{ID: 0}}})
	_, ok = full.NextID()
	assert.False(t, ok)

	id, ok := tbl.Lookup(NameHash("LOGO"))
	require.True(t, ok)
	assert.Equal(t, uint32(0), id)

	clone := tbl.Clone()
	assert.True(t, clone.Delete(5))
	assert.False(t, clone.Delete(5))
	_, ok = tbl.Get(5)
	assert.True(t, ok, "clone must not share archives")
}

func TestNameHash(t *testing.T) {
	t.Parallel()

	// Java: "a".hashCode() == 97, "ab".hashCode() == 3105.
	assert.Equal(t, int32(97), NameHash("A"))
	assert.Equal(t, int32(3105), NameHash("ab"))
	assert.Equal(t, int32(0), NameHash(""))
	assert.Equal(t, NameHash("Title.JPG"), NameHash("title.jpg"))
}
