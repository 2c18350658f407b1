package download

import (
	"context"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/internal/lockd"
	"github.com/Zorvalt/dlan/peer"
	"github.com/Zorvalt/dlan/protocol"
	"github.com/Zorvalt/dlan/ratecalc"
	"github.com/Zorvalt/dlan/transport"
)

// TransferStatus is the outcome of one streaming attempt, per spec.md §3's
// ChunkDownload.transfer_status.
type TransferStatus int

const (
	TransferOK TransferStatus = iota
	TransferError
	TransferToClose
)

// ErrChunkSizeMismatch is returned when GET_CHUNK_RESULT's chunk_size
// disagrees with the local chunk's total_bytes — SPEC_FULL.md §9 Open
// Question resolution #2, a Transport-class error.
var ErrChunkSizeMismatch = errors.New("download: GetChunkResult chunk_size disagrees with local total_bytes")

// ChunkDownload is a single in-flight chunk fetch, per spec.md §3/§4.3: it
// owns a MessageSocket in streaming mode (via PeerTransport), writes to a
// local Chunk, computes instantaneous throughput, and may re-elect a
// faster free peer mid-transfer.
//
// Grounded directly on
// original_source/application/Core/DownloadManager/priv/ChunkDownload.cpp:
// the same peer-set bookkeeping, getTheFastestFreePeer tie-break, and
// run() streaming loop (recheck timer, buffer flush, hash-mismatch ban),
// translated from Qt signals/slots into a goroutine plus channels.
type ChunkDownload struct {
	ChunkHash hash.Hash
	Chunk     chunk.Chunk

	registry  *peer.Registry
	occupied  *peer.OccupiedPeers
	transport PeerTransport
	cfg       config.Config
	logger    log.Logger
	rate      *ratecalc.Calculator

	lock *lockd.Lock // guards peers/downloading/currentPeer; recursive-capable per spec.md §9

	peerIDs     []hash.Hash
	peerAddrs   map[hash.Hash]string
	currentPeer hash.Hash
	downloading bool
	cancel      chansync.SetOnce

	// retry gates re-selection after a Transport-class error: a chunk whose most recent
	// attempt failed to even reach a peer backs off exponentially instead
	// of being re-picked every scheduler tick, grounded on the
	// dolt remotestorage chunk fetcher's reconnect-backoff loop.
	retry     backoff.BackOff
	nextRetry time.Time

	// limiter, if set, throttles streamed bytes to a caller-wide budget —
	// the per-ChunkDownload analogue of the teacher's client-wide
	// DownloadRateLimiter (issue211_test.go).
	limiter *rate.Limiter

	bytesWrittenThisSession int64
	lastStatus              TransferStatus
}

// NewChunkDownload constructs a ChunkDownload bound to chunkHash, sourced
// initially from peerIDs.
func NewChunkDownload(chunkHash hash.Hash, c chunk.Chunk, registry *peer.Registry, occupied *peer.OccupiedPeers, pt PeerTransport, cfg config.Config, logger log.Logger) *ChunkDownload {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // never give up; the scheduler decides when to stop trying
	return &ChunkDownload{
		ChunkHash: chunkHash,
		Chunk:     c,
		registry:  registry,
		occupied:  occupied,
		transport: pt,
		cfg:       cfg,
		logger:    logger,
		rate:      ratecalc.New("chunk_download", chunkHash.String()),
		lock:      new(lockd.Lock),
		peerAddrs: make(map[hash.Hash]string),
		retry:     bo,
	}
}

// SetRateLimiter bounds this chunk's streamed bytes to l, shared across
// every ChunkDownload the caller wants subject to one aggregate budget.
// A nil limiter (the default) applies no throttling.
func (cd *ChunkDownload) SetRateLimiter(l *rate.Limiter) {
	cd.limiter = l
}

// AddPeerID records id as a possible source, per ChunkDownload.cpp's
// addPeerID.
func (cd *ChunkDownload) AddPeerID(id hash.Hash, address string) {
	cd.lock.Lock()
	defer cd.lock.Unlock()
	if _, ok := cd.peerAddrs[id]; !ok {
		cd.peerIDs = append(cd.peerIDs, id)
	}
	cd.peerAddrs[id] = address
}

// RemovePeerID drops id as a source, e.g. after a non-OK GetChunkResult.
func (cd *ChunkDownload) RemovePeerID(id hash.Hash) {
	cd.lock.Lock()
	defer cd.lock.Unlock()
	cd.removePeerLocked(id)
}

func (cd *ChunkDownload) removePeerLocked(id hash.Hash) {
	for i, p := range cd.peerIDs {
		if p == id {
			cd.peerIDs = append(cd.peerIDs[:i], cd.peerIDs[i+1:]...)
			break
		}
	}
	delete(cd.peerAddrs, id)
}

// PeerSource is one recorded possible source for a ChunkDownload.
type PeerSource struct {
	PeerID  hash.Hash
	Address string
}

// PeerSources returns every peer currently recorded as a source, for
// snapshot export (snapshot.Store persists these as the "peer-source
// hints" spec.md §3 lists in the Download data model).
func (cd *ChunkDownload) PeerSources() []PeerSource {
	cd.lock.Lock()
	defer cd.lock.Unlock()
	out := make([]PeerSource, 0, len(cd.peerIDs))
	for _, id := range cd.peerIDs {
		out = append(out, PeerSource{PeerID: id, Address: cd.peerAddrs[id]})
	}
	return out
}

// IsDownloading reports whether a worker is currently streaming this
// chunk.
func (cd *ChunkDownload) IsDownloading() bool {
	cd.lock.Lock()
	defer cd.lock.Unlock()
	return cd.downloading
}

// IsComplete reports whether the underlying chunk has all its bytes.
func (cd *ChunkDownload) IsComplete() bool {
	return cd.Chunk != nil && cd.Chunk.Complete()
}

// IsReadyToDownload mirrors ChunkDownload.cpp's isReadyToDownload: it has
// at least one peer, isn't finished, and isn't already downloading.
// Returns the number of free peers (may prune now-unavailable ones).
func (cd *ChunkDownload) IsReadyToDownload(now time.Time) int {
	cd.lock.Lock()
	defer cd.lock.Unlock()
	if len(cd.peerIDs) == 0 || cd.downloading || cd.IsComplete() {
		return 0
	}
	if now.Before(cd.nextRetry) {
		return 0
	}
	return cd.numberOfFreePeersLocked(now)
}

func (cd *ChunkDownload) numberOfFreePeersLocked(now time.Time) int {
	n := 0
	for _, id := range append([]hash.Hash(nil), cd.peerIDs...) {
		p, ok := cd.registry.Get(id)
		if !ok || !p.IsAvailable(now, cd.cfg.PresenceTimeout) {
			cd.removePeerLocked(id)
			continue
		}
		if cd.occupied.IsFree(id) {
			n++
		}
	}
	return n
}

// fastestFreePeer mirrors getTheFastestFreePeer: prunes dead peers and
// returns the fastest available free one.
func (cd *ChunkDownload) fastestFreePeer(now time.Time) (*peer.Peer, bool) {
	cd.lock.Lock()
	ids := append([]hash.Hash(nil), cd.peerIDs...)
	cd.lock.Unlock()

	candidates := make([]*peer.Peer, 0, len(ids))
	for _, id := range ids {
		if p, ok := cd.registry.Get(id); ok {
			candidates = append(candidates, p)
		}
	}
	available := func(p *peer.Peer) bool { return p.IsAvailable(now, cd.cfg.PresenceTimeout) }
	return cd.occupied.FastestFree(candidates, available)
}

// StartDownloading acquires the fastest free peer, sends GET_CHUNK, and —
// if successful — runs the streaming loop to completion in the calling
// goroutine (the caller is expected to invoke this from its own worker
// goroutine, per spec.md §5's "dedicated thread... or async task"
// scheduling model). Returns false if no free peer was available.
func (cd *ChunkDownload) StartDownloading(ctx context.Context, now time.Time) bool {
	freePeer, ok := cd.fastestFreePeer(now)
	if !ok {
		return false
	}

	if !cd.occupied.TryOccupy(freePeer.ID) {
		return false
	}

	cd.lock.Lock()
	cd.currentPeer = freePeer.ID
	cd.downloading = true
	address := cd.peerAddrs[freePeer.ID]
	cd.lock.Unlock()

	cd.logger.WithDefaultLevel(log.Debug).Printf("starting chunk %v from peer %v", cd.ChunkHash, freePeer.ID)

	req := &protocol.GetChunkMessage{ChunkHash: cd.ChunkHash, Offset: uint64(cd.Chunk.KnownBytes())}
	result, conn, finish, err := cd.transport.GetChunk(ctx, freePeer.ID, address, req)
	if err != nil {
		cd.logger.WithDefaultLevel(log.Debug).Printf("GetChunk to %v failed: %v", freePeer.ID, err)
		cd.lock.Lock()
		cd.nextRetry = time.Now().Add(cd.retry.NextBackOff())
		cd.lock.Unlock()
		cd.endDownload(TransferError)
		return true
	}
	cd.retry.Reset()
	if result.Status != protocol.StatusOK {
		cd.logger.WithDefaultLevel(log.Debug).Printf("GetChunk to %v: status %v, dropping peer", freePeer.ID, result.Status)
		cd.RemovePeerID(freePeer.ID)
		cd.endDownload(TransferOK)
		return true
	}
	if !result.HasChunkSize {
		finish(transport.FinishError)
		cd.endDownload(TransferError)
		return true
	}
	if int64(result.ChunkSize) != cd.Chunk.TotalBytes() {
		// SPEC_FULL.md §9 Open Question resolution #2: a Transport-class
		// Error, not Integrity — the size the peer holds for this chunk
		// disagrees with the chunk's total size.
		cd.logger.WithDefaultLevel(log.Debug).Printf("chunk size mismatch from %v: %v", freePeer.ID, ErrChunkSizeMismatch)
		finish(transport.FinishError)
		cd.endDownload(TransferError)
		return true
	}

	status := cd.stream(ctx, conn, freePeer, now)
	finish(finishStatusFor(status))
	cd.endDownload(status)
	return true
}

func finishStatusFor(status TransferStatus) transport.FinishStatus {
	switch status {
	case TransferOK:
		return transport.FinishOK
	case TransferToClose:
		return transport.FinishToClose
	default:
		return transport.FinishError
	}
}

// stream is the ported run() loop: reads into a fixed buffer, flushes to
// the DataWriter, periodically rechecks for a faster peer, and handles
// hash-mismatch banning on Close.
func (cd *ChunkDownload) stream(ctx context.Context, conn io.Reader, currentPeer *peer.Peer, now time.Time) TransferStatus {
	writer, err := cd.Chunk.OpenWriter()
	if err != nil {
		return TransferError
	}

	buf := make([]byte, cd.cfg.BufferSizeWriting)
	recheckInterval := cd.cfg.RecheckPeerInterval()
	lastRecheck := now
	var deltaBytes int64
	cd.bytesWrittenThisSession = 0

	// Each read waits at most SocketTimeout when conn supports read
	// deadlines; a read that times out ends the transfer with TransferError.
	deadliner, _ := conn.(interface{ SetReadDeadline(time.Time) error })
	if cd.cfg.SocketTimeout <= 0 {
		deadliner = nil
	}
	if deadliner != nil {
		defer deadliner.SetReadDeadline(time.Time{})
	}

	for {
		if cd.cancel.IsSet() || !cd.IsDownloading() {
			writer.Close()
			return TransferToClose
		}

		if deadliner != nil {
			deadliner.SetReadDeadline(time.Now().Add(cd.cfg.SocketTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 && cd.limiter != nil {
			if werr := cd.limiter.WaitN(ctx, n); werr != nil {
				writer.Close()
				return TransferToClose
			}
		}
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				writer.Close()
				if isHashMismatch(werr) {
					cd.registry.Ban(currentPeer.ID, time.Now(), cd.cfg.BanDurationCorruptedData)
					cd.logger.WithDefaultLevel(log.Warning).Printf("peer %v banned for corrupted data on chunk %v", currentPeer.ID, cd.ChunkHash)
				}
				return TransferError
			}
			deltaBytes += int64(n)
			cd.bytesWrittenThisSession += int64(n)
			cd.rate.Add(time.Now(), int64(n))

			// Close verifies the chunk hash once the final byte lands,
			// per spec.md §5's "Hash-mismatch handling"; Write itself
			// does not check the hash.
			if cd.Chunk.KnownBytes() >= cd.Chunk.TotalBytes() {
				if cerr := writer.Close(); cerr != nil {
					if isHashMismatch(cerr) {
						cd.registry.Ban(currentPeer.ID, time.Now(), cd.cfg.BanDurationCorruptedData)
						cd.logger.WithDefaultLevel(log.Warning).Printf("peer %v banned for corrupted data on chunk %v", currentPeer.ID, cd.ChunkHash)
					}
					return TransferError
				}
				return TransferOK
			}
		}
		if err != nil {
			writer.Close()
			if err == io.EOF && cd.Chunk.KnownBytes() >= cd.Chunk.TotalBytes() {
				return TransferOK
			}
			return TransferError
		}

		nowTick := time.Now()
		if nowTick.Sub(lastRecheck) >= recheckInterval {
			elapsed := nowTick.Sub(lastRecheck).Seconds()
			if elapsed > 0 {
				currentPeer.SetAdvertisedSpeed(uint64(float64(deltaBytes) / elapsed))
			}
			lastRecheck = nowTick
			deltaBytes = 0

			if faster, ok := cd.fastestFreePeer(nowTick); ok && faster.ID != currentPeer.ID {
				if float64(faster.AdvertisedSpeed())/cd.cfg.SwitchToAnotherPeerFactor > float64(currentPeer.AdvertisedSpeed()) {
					cd.logger.WithDefaultLevel(log.Debug).Printf("switching chunk %v from %v to faster peer %v", cd.ChunkHash, currentPeer.ID, faster.ID)
					writer.Close()
					return TransferToClose
				}
			}
		}
	}
}

func isHashMismatch(err error) bool {
	return err == chunk.ErrHashMismatch
}

// endDownload mirrors downloadingEnded: clears downloading/currentPeer and
// frees the peer in OccupiedPeers, which may wake the scheduler.
func (cd *ChunkDownload) endDownload(status TransferStatus) {
	cd.lock.Lock()
	currentPeer := cd.currentPeer
	cd.downloading = false
	cd.currentPeer = hash.Hash{}
	cd.lastStatus = status
	cd.lock.Unlock()

	if !currentPeer.IsZero() {
		cd.occupied.Release(currentPeer)
	}
}

// Cancel cooperatively stops an in-progress stream; the next loop
// iteration in stream() observes it and exits with TransferToClose.
func (cd *ChunkDownload) Cancel() {
	cd.cancel.Set()
}
