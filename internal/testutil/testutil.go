// Package testutil provides in-memory block files, fault injection and
// deterministic payloads for cache tests.
package testutil

import (
	"errors"
	"io"
	"io/fs"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// MemFile is a concurrency-safe in-memory file implementing the block file
// and pointer table interfaces.
type MemFile struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
	syncs  atomic.Int64
}

// NewMemFile returns a file backed by a copy of data.
func NewMemFile(data []byte) *MemFile {
	return &MemFile{data: append([]byte(nil), data...)}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt grows the backing slice as needed, zero-filling any gap.
func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fs.ErrClosed
	}
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

// Truncate resizes the backing slice.
func (m *MemFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(size) <= len(m.data) {
		m.data = m.data[:size]
		return nil
	}
	m.data = append(m.data, make([]byte, int(size)-len(m.data))...)
	return nil
}

// Sync counts calls.
func (m *MemFile) Sync() error {
	m.syncs.Add(1)
	return nil
}

// Syncs returns how many times Sync was called.
func (m *MemFile) Syncs() int64 {
	return m.syncs.Load()
}

// Stat reports the current size.
func (m *MemFile) Stat() (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memInfo{size: int64(len(m.data))}, nil
}

// Close marks the file closed; further writes fail.
func (m *MemFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MemFile) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Size returns the total size of the backing data.
func (m *MemFile) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

type memInfo struct {
	size int64
}

func (i memInfo) Name() string       { return "memfile" }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() fs.FileMode  { return 0o644 }
func (i memInfo) ModTime() time.Time { return time.Time{} }
func (i memInfo) IsDir() bool        { return false }
func (i memInfo) Sys() any           { return nil }

// ErrInjected is returned by FaultyFile once its budget is exhausted.
var ErrInjected = errors.New("testutil: injected failure")

// FaultyFile wraps a MemFile and fails writes or syncs after a budget.
type FaultyFile struct {
	*MemFile
	writesLeft atomic.Int64
	failSync   atomic.Bool
}

// NewFaultyFile wraps f with an unlimited write budget.
func NewFaultyFile(f *MemFile) *FaultyFile {
	ff := &FaultyFile{MemFile: f}
	ff.writesLeft.Store(-1)
	return ff
}

// FailAfterWrites makes every write after the next n fail.
func (f *FaultyFile) FailAfterWrites(n int64) {
	f.writesLeft.Store(n)
}

// FailSync makes Sync fail.
func (f *FaultyFile) FailSync(fail bool) {
	f.failSync.Store(fail)
}

// WriteAt fails once the write budget is spent.
func (f *FaultyFile) WriteAt(p []byte, off int64) (int, error) {
	for {
		left := f.writesLeft.Load()
		if left < 0 {
			break
		}
		if left == 0 {
			return 0, ErrInjected
		}
		if f.writesLeft.CompareAndSwap(left, left-1) {
			break
		}
	}
	return f.MemFile.WriteAt(p, off)
}

// Sync fails when FailSync(true) was called.
func (f *FaultyFile) Sync() error {
	if f.failSync.Load() {
		return ErrInjected
	}
	return f.MemFile.Sync()
}

// Payload returns n deterministic pseudo-random bytes for seed.
func Payload(seed uint64, n int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.UintN(256))
	}
	return out
}

// Compressible returns n bytes of repetitive text.
func Compressible(n int) []byte {
	const text = "the quick brown fox jumps over the lazy dog. "
	out := make([]byte, n)
	for i := range out {
		out[i] = text[i%len(text)]
	}
	return out
}
