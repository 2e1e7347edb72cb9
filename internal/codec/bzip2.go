package codec

import (
	"bytes"
	"fmt"

	"github.com/dsnet/compress/bzip2"

	"github.com/meigma/gamecache/internal/sizing"
)

// The stored bzip2 body omits the 4-byte stream magic; the block size digit is
// always 1 (100k blocks).
var bzip2Magic = []byte("BZh1")

type bzip2Codec struct{}

func (bzip2Codec) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if !bytes.HasPrefix(out, bzip2Magic) {
		return nil, fmt.Errorf("unexpected bzip2 stream header %q", out[:min(len(out), 4)])
	}
	return out[len(bzip2Magic):], nil
}

func (bzip2Codec) Decompress(body []byte, n int) ([]byte, error) {
	stream := make([]byte, 0, len(bzip2Magic)+len(body))
	stream = append(stream, bzip2Magic...)
	stream = append(stream, body...)

	r, err := bzip2.NewReader(bytes.NewReader(stream), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return sizing.ReadAllWithLimit(r, uint64(n), errTooLong) //nolint:gosec // n checked non-negative by caller
}
