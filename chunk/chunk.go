// Package chunk defines the Chunk/DataReader/DataWriter contracts
// consumed by download and upload, per spec.md §3's "provided by the
// external file manager, referenced here by its contract" note, plus an
// in-memory implementation used by tests and the demo.
//
// Grounded on the teacher's storage.go (storagePieceReader: an io.ReaderAt
// wrapping per-piece storage with waitNoPendingWrites synchronization) —
// generalized from torrent pieces to content-addressed chunks.
package chunk

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zorvalt/dlan/hash"
)

// ErrHashMismatch is returned by DataWriter.Close when the bytes written
// do not hash to the chunk's declared hash, per spec.md §5's
// "Hash-mismatch handling".
var ErrHashMismatch = errors.New("chunk: hash mismatch")

// ErrWriteBeyondEnd is returned when a write would push known_bytes past
// total_bytes, per spec.md §3's Chunk invariant.
var ErrWriteBeyondEnd = errors.New("chunk: write beyond end")

// ErrDeleted reports an operation on a chunk that has been reset or
// removed by the file manager. Neither Memory nor the filestore chunks
// return it.
var ErrDeleted = errors.New("chunk: deleted")

// DataReader is random access by offset into a chunk's known bytes.
type DataReader interface {
	io.ReaderAt
	io.Closer
}

// DataWriter is an append-only writer, bounded by total_bytes. Writes must
// arrive in order starting at the offset the writer was opened with.
// Close verifies the chunk hash once known_bytes reaches total_bytes.
type DataWriter interface {
	io.Writer
	io.Closer
}

// Chunk is the content-addressed fragment contract from spec.md §3.
type Chunk interface {
	Hash() hash.Hash
	KnownBytes() int64
	TotalBytes() int64
	Complete() bool

	// OpenWriter returns a DataWriter starting at KnownBytes(). Only one
	// writer may be open at a time per spec.md §6's "no concurrent write
	// to the same chunk" ordering guarantee.
	OpenWriter() (DataWriter, error)
	// OpenReader returns a DataReader over [0, KnownBytes()).
	OpenReader() (DataReader, error)
	// Reset clears known_bytes to zero, used after a hash-mismatch ban.
	Reset()
}

// Memory is an in-memory Chunk implementation for tests and the demo: it
// never touches a filesystem, matching spec.md's "the core never reads or
// writes the filesystem directly" file-manager-contract boundary.
type Memory struct {
	mu         sync.Mutex
	hash       hash.Hash
	total      int64
	data       []byte
	known      int64
	writerOpen bool
}

// NewMemory returns a Memory chunk of the given total size and expected
// hash, initially empty.
func NewMemory(h hash.Hash, totalBytes int64) *Memory {
	return &Memory{hash: h, total: totalBytes, data: make([]byte, totalBytes)}
}

func (m *Memory) Hash() hash.Hash { return m.hash }

func (m *Memory) KnownBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known
}

func (m *Memory) TotalBytes() int64 { return m.total }

func (m *Memory) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known >= m.total
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known = 0
}

func (m *Memory) OpenWriter() (DataWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writerOpen {
		return nil, errors.New("chunk: writer already open")
	}
	m.writerOpen = true
	return &memoryWriter{m: m}, nil
}

func (m *Memory) OpenReader() (DataReader, error) {
	return &memoryReader{m: m}, nil
}

type memoryWriter struct {
	m *Memory
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known+int64(len(p)) > m.total {
		return 0, ErrWriteBeyondEnd
	}
	copy(m.data[m.known:], p)
	m.known += int64(len(p))
	return len(p), nil
}

func (w *memoryWriter) Close() error {
	m := w.m
	m.mu.Lock()
	m.writerOpen = false
	complete := m.known >= m.total
	snapshot := append([]byte(nil), m.data[:m.known]...)
	m.mu.Unlock()
	if !complete {
		return nil
	}
	if hash.Sum(snapshot) != m.hash {
		m.Reset()
		return ErrHashMismatch
	}
	return nil
}

type memoryReader struct{ m *Memory }

func (r *memoryReader) Close() error { return nil }

func (r *memoryReader) ReadAt(b []byte, off int64) (int, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	known := m.known
	if off >= known {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:known])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}
