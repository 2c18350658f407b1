// Package download implements ChunkDownload and DownloadManager from
// spec.md §3/§4.3/§4.5: the per-chunk streaming worker and the scheduler
// that spawns it under global/per-download concurrency caps.
package download

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/Zorvalt/dlan/hash"
)

// Status is a Download's lifecycle state, per spec.md §3.
type Status int

const (
	StatusQueued Status = iota
	StatusInitializing
	StatusDownloading
	StatusPaused
	StatusComplete
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusInitializing:
		return "Initializing"
	case StatusDownloading:
		return "Downloading"
	case StatusPaused:
		return "Paused"
	case StatusComplete:
		return "Complete"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

var nextDownloadID atomic.Uint64

// Download is the aggregate from spec.md §3: an ordered list of chunks
// belonging to one requested file entry. The chunk list is populated
// lazily as hashes stream in from the source peer, so chunks may be
// appended after creation via AddChunk.
type Download struct {
	ID             uint64
	EntryPath      string
	PeerSourceHint hash.Hash

	QueuePos int
	status   atomic.Int32

	chunks []*ChunkDownload
	// pendingChunks tracks indices (into chunks) not yet complete,
	// mirroring the teacher's per-torrent piece bitmaps
	// (torrent-piece-request-order.go's _pendingPieces) generalized from
	// pieces to chunks.
	pendingChunks roaring.Bitmap
}

// New allocates a Download with a fresh monotonic ID.
func New(entryPath string, peerSourceHint hash.Hash, queuePos int) *Download {
	d := &Download{
		ID:             nextDownloadID.Add(1),
		EntryPath:      entryPath,
		PeerSourceHint: peerSourceHint,
		QueuePos:       queuePos,
	}
	d.status.Store(int32(StatusQueued))
	return d
}

func (d *Download) Status() Status { return Status(d.status.Load()) }

func (d *Download) setStatus(s Status) { d.status.Store(int32(s)) }

// AddChunk appends a newly-hash-known chunk to the Download, as the
// GET_HASHES stream delivers hashes for this entry.
func (d *Download) AddChunk(c *ChunkDownload) {
	idx := uint32(len(d.chunks))
	d.chunks = append(d.chunks, c)
	d.pendingChunks.Add(idx)
	if d.Status() == StatusQueued {
		d.setStatus(StatusInitializing)
	}
}

// Chunks returns the Download's chunk list in order.
func (d *Download) Chunks() []*ChunkDownload { return d.chunks }

// chunkCompleted marks index idx complete, transitioning the Download to
// Complete once every known chunk is done.
func (d *Download) chunkCompleted(idx int) {
	d.pendingChunks.Remove(uint32(idx))
	if d.pendingChunks.IsEmpty() && len(d.chunks) > 0 {
		d.setStatus(StatusComplete)
	}
}

// PendingCount returns the number of chunks not yet complete.
func (d *Download) PendingCount() int {
	return int(d.pendingChunks.GetCardinality())
}

// PendingIndices returns the indices of not-yet-complete chunks, in
// ascending order.
func (d *Download) PendingIndices() []int {
	out := make([]int, 0, d.PendingCount())
	d.pendingChunks.Iterate(func(x uint32) bool {
		out = append(out, int(x))
		return true
	})
	return out
}

// MarkError transitions the Download to Error, per spec.md §7's
// propagation rule: "Download status transitions to Error only after all
// chunks have exhausted their sources".
func (d *Download) MarkError() { d.setStatus(StatusError) }

// MarkDownloading transitions the Download into active transfer once the
// scheduler has started at least one of its chunks.
func (d *Download) MarkDownloading() {
	if d.Status() == StatusInitializing || d.Status() == StatusQueued {
		d.setStatus(StatusDownloading)
	}
}
