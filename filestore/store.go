// Package filestore is the reference file-manager-contract adapter
// (spec.md §1/§6): it backs chunk.Chunk with a memory-mapped file per
// chunk (github.com/edsrzf/mmap-go) and keeps a hash→(total, known bytes)
// index in a go.etcd.io/bbolt database, giving the chunk contracts an
// on-disk implementation besides chunk.Memory. The core itself never imports this package directly
// — it depends only on the chunk.Chunk/DataReader/DataWriter contracts —
// but something has to sit behind those interfaces for a real run.
//
// Grounded on the teacher's storage.go (storagePieceReader: an
// io.ReaderAt over per-piece storage) generalized from pieces to whole
// chunks, plus the bolt-piece/mmap storage backends the teacher's own
// storage/ tests exercise (storage.NewMMap, storage.NewBoltDB).
package filestore

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/hash"
)

var indexBucket = []byte("chunks")

// Store is the on-disk chunk store: one file per chunk under dir/data,
// memory-mapped on first use, with a bbolt index recording each chunk's
// total/known byte counts so Lookup survives a restart without rescanning
// the data directory.
type Store struct {
	dir string
	db  *bolt.DB

	mu     sync.Mutex
	opened map[hash.Hash]*mmapChunk
}

// Open opens (creating if necessary) a Store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return nil, errors.Wrap(err, "filestore: create data dir")
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "filestore: open index")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "filestore: create index bucket")
	}
	return &Store{dir: dir, db: db, opened: make(map[hash.Hash]*mmapChunk)}, nil
}

// Close unmaps every chunk this Store has opened and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	for h, c := range s.opened {
		c.closeFile()
		delete(s.opened, h)
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) path(h hash.Hash) string {
	return filepath.Join(s.dir, "data", h.String())
}

type indexEntry struct {
	total int64
	known int64
}

func encodeEntry(e indexEntry) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(e.total))
	binary.BigEndian.PutUint64(b[8:16], uint64(e.known))
	return b
}

func decodeEntry(b []byte) (indexEntry, error) {
	if len(b) != 16 {
		return indexEntry{}, errors.New("filestore: corrupt index entry")
	}
	return indexEntry{
		total: int64(binary.BigEndian.Uint64(b[0:8])),
		known: int64(binary.BigEndian.Uint64(b[8:16])),
	}, nil
}

func (s *Store) putEntry(h hash.Hash, e indexEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put(h[:], encodeEntry(e))
	})
}

func (s *Store) getEntry(h hash.Hash) (indexEntry, bool, error) {
	var e indexEntry
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(indexBucket).Get(h[:])
		if v == nil {
			return nil
		}
		var err error
		e, err = decodeEntry(v)
		ok = err == nil
		return err
	})
	return e, ok, err
}

// Create allocates a new chunk of totalBytes for h, truncating any
// previous file of the same hash. The returned chunk.Chunk starts empty
// (known_bytes == 0), matching a freshly-queued Download chunk.
func (s *Store) Create(h hash.Hash, totalBytes int64) (chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.opened[h]; ok {
		c.closeFile()
		delete(s.opened, h)
	}
	f, err := os.OpenFile(s.path(h), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "filestore: create chunk file")
	}
	if totalBytes > 0 {
		if err := f.Truncate(totalBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "filestore: truncate chunk file")
		}
	}
	c, err := newMmapChunk(s, h, f, totalBytes, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := s.putEntry(h, indexEntry{total: totalBytes, known: 0}); err != nil {
		c.closeFile()
		return nil, err
	}
	s.opened[h] = c
	return c, nil
}

// Lookup implements upload.ChunkProvider: find a chunk previously Created
// (in this process or a prior one, via the bbolt index) by hash.
func (s *Store) Lookup(h hash.Hash) (chunk.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.opened[h]; ok {
		return c, true
	}
	entry, ok, err := s.getEntry(h)
	if err != nil || !ok {
		return nil, false
	}
	f, err := os.OpenFile(s.path(h), os.O_RDWR, 0o644)
	if err != nil {
		return nil, false
	}
	c, err := newMmapChunk(s, h, f, entry.total, entry.known)
	if err != nil {
		f.Close()
		return nil, false
	}
	s.opened[h] = c
	return c, true
}

// Remove deletes a chunk's file and index entry, used after a Download is
// cancelled or the caller is done serving it.
func (s *Store) Remove(h hash.Hash) error {
	s.mu.Lock()
	if c, ok := s.opened[h]; ok {
		c.closeFile()
		delete(s.opened, h)
	}
	s.mu.Unlock()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(h[:])
	}); err != nil {
		return err
	}
	err := os.Remove(s.path(h))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "filestore: remove chunk file")
	}
	return nil
}

// mmapChunk is a chunk.Chunk backed by a memory-mapped file, the
// generalization of the teacher's storagePieceReader from a per-piece
// offset into per-chunk storage to one file per whole chunk.
type mmapChunk struct {
	store *Store
	hash  hash.Hash

	mu         sync.Mutex
	file       *os.File
	region     mmap.MMap
	total      int64
	known      int64
	writerOpen bool
	closed     bool
}

func newMmapChunk(s *Store, h hash.Hash, f *os.File, total, known int64) (*mmapChunk, error) {
	c := &mmapChunk{store: s, hash: h, file: f, total: total, known: known}
	if total > 0 {
		region, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			return nil, errors.Wrap(err, "filestore: mmap chunk file")
		}
		c.region = region
	}
	return c, nil
}

func (c *mmapChunk) closeFile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.region != nil {
		c.region.Unmap()
	}
	c.file.Close()
}

func (c *mmapChunk) Hash() hash.Hash { return c.hash }

func (c *mmapChunk) TotalBytes() int64 { return c.total }

func (c *mmapChunk) KnownBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

func (c *mmapChunk) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known >= c.total
}

func (c *mmapChunk) Reset() {
	c.mu.Lock()
	c.known = 0
	c.mu.Unlock()
	c.store.putEntry(c.hash, indexEntry{total: c.total, known: 0})
}

func (c *mmapChunk) OpenWriter() (chunk.DataWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writerOpen {
		return nil, errors.New("filestore: writer already open")
	}
	c.writerOpen = true
	return &mmapWriter{c: c}, nil
}

func (c *mmapChunk) OpenReader() (chunk.DataReader, error) {
	return &mmapReader{c: c}, nil
}

type mmapWriter struct{ c *mmapChunk }

func (w *mmapWriter) Write(p []byte) (int, error) {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known+int64(len(p)) > c.total {
		return 0, chunk.ErrWriteBeyondEnd
	}
	copy(c.region[c.known:], p)
	c.known += int64(len(p))
	return len(p), nil
}

func (w *mmapWriter) Close() error {
	c := w.c
	c.mu.Lock()
	c.writerOpen = false
	known := c.known
	complete := known >= c.total
	c.mu.Unlock()

	if err := c.store.putEntry(c.hash, indexEntry{total: c.total, known: known}); err != nil {
		return err
	}
	if !complete {
		return nil
	}
	if err := c.region.Flush(); err != nil {
		return errors.Wrap(err, "filestore: flush chunk file")
	}
	if hash.Sum(c.region[:known]) != c.hash {
		c.Reset()
		return chunk.ErrHashMismatch
	}
	return nil
}

type mmapReader struct{ c *mmapChunk }

func (r *mmapReader) Close() error { return nil }

func (r *mmapReader) ReadAt(b []byte, off int64) (int, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	known := c.known
	if off >= known {
		return 0, io.EOF
	}
	n := copy(b, c.region[off:known])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}
