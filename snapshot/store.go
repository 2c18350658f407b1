// Package snapshot persists the download queue — order, per-chunk
// known_bytes, peer-source hints — to a go.etcd.io/bbolt bucket, standing
// in for the external queue.bin/cache.bin the original C++ Core writes
// (original_source/application/Core/Core.h, Core::saveCurrentDownloads /
// Core::loadCurrentDownloads). Per spec.md §6 ("Persisted state: none in
// the core ... offers snapshot export/import hooks"), Export/Import are
// hooks for an embedding program: no core package calls them, and the
// core never parses the file format itself. Export reads a
// *download.Manager via its existing public accessors, Import only decodes
// records back into plain data, and it is the embedder's job to turn a Record back
// into a download.Download/ChunkDownload using the normal constructors —
// snapshot never constructs core types itself, so it has no need to know
// about registries, transports, or chunk storage.
package snapshot

import (
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/Zorvalt/dlan/download"
	"github.com/Zorvalt/dlan/hash"
)

var downloadsBucket = []byte("downloads")

// ChunkRecord is one chunk's persisted state within a Download.
type ChunkRecord struct {
	ChunkHash   hash.Hash
	KnownBytes  int64
	TotalBytes  int64
	PeerSources []download.PeerSource
}

// Record is one Download's persisted queue state.
type Record struct {
	EntryPath      string
	PeerSourceHint hash.Hash
	QueuePos       int
	Chunks         []ChunkRecord
}

// Store is a bbolt-backed queue snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: open database")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(downloadsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "snapshot: create bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Export replaces the snapshot's contents with the current state of
// every download in mgr, keyed by EntryPath.
func (s *Store) Export(mgr *download.Manager) error {
	records := make([]Record, 0)
	for _, d := range mgr.Downloads() {
		r := Record{
			EntryPath:      d.EntryPath,
			PeerSourceHint: d.PeerSourceHint,
			QueuePos:       d.QueuePos,
		}
		for _, cd := range d.Chunks() {
			r.Chunks = append(r.Chunks, ChunkRecord{
				ChunkHash:   cd.ChunkHash,
				KnownBytes:  cd.Chunk.KnownBytes(),
				TotalBytes:  cd.Chunk.TotalBytes(),
				PeerSources: cd.PeerSources(),
			})
		}
		records = append(records, r)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(downloadsBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(downloadsBucket)
		if err != nil {
			return err
		}
		for _, r := range records {
			v, err := json.Marshal(r)
			if err != nil {
				return errors.Wrap(err, "snapshot: marshal record")
			}
			if err := b.Put([]byte(r.EntryPath), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Import returns every Record currently in the snapshot, in no particular
// order; the caller reconstructs Download/ChunkDownload objects from them
// and re-queues them with download.Manager.AddDownload.
func (s *Store) Import() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(downloadsBucket).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrap(err, "snapshot: unmarshal record")
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}
