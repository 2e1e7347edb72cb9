package sector

// Bitmap is a fixed-size set of sector numbers.
type Bitmap struct {
	words []uint64
	n     uint32
}

// NewBitmap returns an empty bitmap able to hold sectors [0, n).
func NewBitmap(n uint32) *Bitmap {
	return &Bitmap{words: make([]uint64, (uint64(n)+63)/64), n: n}
}

// Set marks sector i. Out-of-range values are ignored.
func (b *Bitmap) Set(i uint32) {
	if i >= b.n {
		return
	}
	b.words[i/64] |= 1 << (i % 64)
}

// Has reports whether sector i is marked.
func (b *Bitmap) Has(i uint32) bool {
	if i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Len is the capacity of the bitmap.
func (b *Bitmap) Len() uint32 {
	return b.n
}
