package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ulikunitz/xz/lzma"

	"github.com/meigma/gamecache/internal/sizing"
)

// Stored LZMA bodies are the 5-byte properties header followed directly by
// the compressed stream. The classic .lzma header carries an 8-byte
// uncompressed size between the two, which the reader needs, so it is
// reinserted on decode and stripped on encode.
const (
	lzmaPropsLen  = 5
	lzmaSizeLen   = 8
	lzmaHeaderLen = lzmaPropsLen + lzmaSizeLen

	// An empty stream is the range coder's 5-byte flush of its initial
	// state, which is always zero.
	lzmaFlushLen = 5

	// lzmaMaxProps bounds the lc/lp/pb properties byte: (pb*5+lp)*9+lc.
	lzmaMaxProps = 9 * 5 * 5
)

type lzmaCodec struct{}

func (lzmaCodec) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		SizeInHeader: true,
		Size:         int64(len(raw)),
		EOSMarker:    false,
	}
	w, err := cfg.NewWriter(&buf)
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
	if len(out) < lzmaHeaderLen {
		return nil, fmt.Errorf("lzma stream too short: %d bytes", len(out))
	}
	if len(raw) == 0 {
		body := make([]byte, lzmaPropsLen+lzmaFlushLen)
		copy(body, out[:lzmaPropsLen])
		return body, nil
	}
	body := make([]byte, 0, len(out)-lzmaSizeLen)
	body = append(body, out[:lzmaPropsLen]...)
	body = append(body, out[lzmaHeaderLen:]...)
	return body, nil
}

func (lzmaCodec) Decompress(body []byte, n int) ([]byte, error) {
	if len(body) < lzmaPropsLen {
		return nil, fmt.Errorf("lzma body too short: %d bytes", len(body))
	}
	// The reader cannot decode a stream whose header announces zero bytes.
	if n == 0 {
		rest := body[lzmaPropsLen:]
		if len(rest) != lzmaFlushLen || !bytes.Equal(rest, make([]byte, lzmaFlushLen)) {
			return nil, fmt.Errorf("lzma empty stream has %d unexpected bytes", len(rest))
		}
		if body[0] >= lzmaMaxProps {
			return nil, fmt.Errorf("lzma properties byte %#x out of range", body[0])
		}
		return []byte{}, nil
	}
	r, err := lzma.NewReader(bytes.NewReader(lzmaHeader(body, n)))
	if err != nil {
		return nil, err
	}
	return sizing.ReadAllWithLimit(r, uint64(n), errTooLong) //nolint:gosec // n checked non-negative by caller
}

// lzmaHeader rebuilds the classic stream from a stored body by inserting the
// uncompressed size after the properties.
func lzmaHeader(body []byte, n int) []byte {
	stream := make([]byte, 0, len(body)+lzmaSizeLen)
	stream = append(stream, body[:lzmaPropsLen]...)
	stream = binary.LittleEndian.AppendUint64(stream, uint64(n)) //nolint:gosec // n checked non-negative by caller
	return append(stream, body[lzmaPropsLen:]...)
}
