package codec

import (
	"bytes"
	"errors"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/meigma/gamecache/internal/sizing"
)

// gzipCodec reuses writers across calls; gzip.Writer.Reset is cheaper than a
// fresh allocation of the deflate state.
type gzipCodec struct {
	writers *sync.Pool
}

func newGzipCodec() gzipCodec {
	return gzipCodec{writers: &sync.Pool{
		New: func() any {
			w, err := gzip.NewWriterLevel(nil, gzip.BestCompression)
			if err != nil {
				return nil
			}
			return w
		},
	}}
}

func (g gzipCodec) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, ok := g.writers.Get().(*gzip.Writer)
	if !ok || w == nil {
		var err error
		if w, err = gzip.NewWriterLevel(&buf, gzip.BestCompression); err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer g.writers.Put(w)

	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(body []byte, n int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	r.Multistream(false)

	out, err := sizing.ReadAllWithLimit(r, uint64(n), errTooLong) //nolint:gosec // n checked non-negative by caller
	if err != nil {
		return nil, err
	}
	return out, nil
}

var errTooLong = errors.New("decoded body longer than declared length")
