package download

import (
	"context"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sync/semaphore"

	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/chunkorder"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/internal/event"
	"github.com/Zorvalt/dlan/internal/lockd"
	"github.com/Zorvalt/dlan/peer"
)

// Manager is the DownloadManager scheduler from spec.md §4.5: it maintains
// an ordered download queue, spawns ChunkDownload workers under a global
// concurrency cap, and reacts to the event-driven wakeup sources spec.md
// §6 lists (new Download, ChunkDownload end, peer freed, new peer source,
// chunk ready).
type Manager struct {
	cfg      config.Config
	logger   log.Logger
	registry *peer.Registry
	occupied *peer.OccupiedPeers

	lock   *lockd.Lock // guards downloads/order; recursive-capable per spec.md §9
	wakeup event.Event

	downloads map[uint64]*Download
	order     *chunkorder.Order
	byItem    map[chunkorder.Item]*ChunkDownload

	sem *semaphore.Weighted // global ChunkDownload concurrency cap

	wg sync.WaitGroup
}

// NewManager returns a Manager with an empty queue.
func NewManager(cfg config.Config, logger log.Logger, registry *peer.Registry, occupied *peer.OccupiedPeers) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		occupied:  occupied,
		lock:      new(lockd.Lock),
		downloads: make(map[uint64]*Download),
		order:     chunkorder.New(),
		byItem:    make(map[chunkorder.Item]*ChunkDownload),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentDownloads),
	}
}

// AddDownload enqueues d and indexes its currently-known chunks, waking the
// scheduler per spec.md §6's wakeup source (a).
func (m *Manager) AddDownload(d *Download) {
	m.lock.Lock()
	m.downloads[d.ID] = d
	for idx, cd := range d.chunks {
		m.indexChunkLocked(d, idx, cd)
	}
	m.lock.Unlock()
	m.wakeup.Broadcast()
}

// NotifyChunkAdded indexes a chunk appended to an already-queued Download
// (e.g. as GET_HASHES streams in more hashes) and wakes the scheduler.
func (m *Manager) NotifyChunkAdded(d *Download, idx int, cd *ChunkDownload) {
	m.lock.Lock()
	m.indexChunkLocked(d, idx, cd)
	m.lock.Unlock()
	m.wakeup.Broadcast()
}

func (m *Manager) indexChunkLocked(d *Download, idx int, cd *ChunkDownload) {
	item := chunkorder.Item{DownloadID: d.ID, QueuePos: d.QueuePos, ChunkIndex: idx, ChunkHash: cd.ChunkHash}
	m.order.Add(item)
	m.byItem[item] = cd
}

// NotifyPeerSource registers a newly discovered source for chunk idx of
// download id, per spec.md §6's wakeup source (d).
func (m *Manager) NotifyPeerSource(downloadID uint64, idx int, peerID hash.Hash, address string) {
	m.lock.Lock()
	d, ok := m.downloads[downloadID]
	if !ok || idx >= len(d.chunks) {
		m.lock.Unlock()
		return
	}
	cd := d.chunks[idx]
	m.lock.Unlock()

	cd.AddPeerID(peerID, address)
	m.wakeup.Broadcast()
}

// Run drives the scheduler until ctx is cancelled: it repeatedly picks
// schedulable chunks in priority order and starts them in their own
// goroutine, up to the global concurrency cap, per spec.md §4.5's picker
// algorithm.
func (m *Manager) Run(ctx context.Context) {
	defer m.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}
		started := m.tick(ctx)
		if started {
			continue
		}
		m.waitForWakeup(ctx)
	}
}

// waitForWakeup blocks until the scheduler should re-run its picker: a
// wakeup broadcast, a peer freeing up, or a bounded fallback tick (so a
// missed broadcast can't wedge the scheduler forever).
func (m *Manager) waitForWakeup(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.lock.Lock()
		m.wakeup.Wait(m.lock.GetSafeLocker())
		m.lock.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	case <-m.occupied.Freed():
	case <-time.After(time.Second):
	}
}

// tick scans the picker order once and starts every chunk ready to
// download, up to the concurrency cap. Returns true if it started at
// least one chunk.
func (m *Manager) tick(ctx context.Context) bool {
	now := time.Now()
	var toStart []*ChunkDownload
	activePerDownload := make(map[uint64]int)

	m.lock.Lock()
	for _, d := range m.downloads {
		for _, cd := range d.chunks {
			if cd.IsDownloading() {
				activePerDownload[d.ID]++
			}
		}
	}
	m.order.Scan(func(item chunkorder.Item) bool {
		cd, ok := m.byItem[item]
		if !ok {
			return true
		}
		if cd.IsComplete() {
			m.order.Delete(item)
			delete(m.byItem, item)
			if d, ok := m.downloads[item.DownloadID]; ok {
				d.chunkCompleted(item.ChunkIndex)
			}
			return true
		}
		if activePerDownload[item.DownloadID] >= m.cfg.MaxActiveChunksPerDownload {
			return true
		}
		if cd.IsReadyToDownload(now) > 0 {
			toStart = append(toStart, cd)
			activePerDownload[item.DownloadID]++
		}
		return true
	})
	m.lock.Unlock()

	started := false
	for _, cd := range toStart {
		if !m.sem.TryAcquire(1) {
			break
		}
		started = true
		cd := cd
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.sem.Release(1)
			cd.StartDownloading(ctx, time.Now())
			m.wakeup.Broadcast()
		}()
	}
	return started
}

// Cancel stops every ChunkDownload belonging to the given download IDs
// and removes them from the queue, per spec.md §4.5's cancel(ids)
// reordering operation.
func (m *Manager) Cancel(ids ...uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, id := range ids {
		d, ok := m.downloads[id]
		if !ok {
			continue
		}
		for idx, cd := range d.chunks {
			cd.Cancel()
			item := chunkorder.Item{DownloadID: id, QueuePos: d.QueuePos, ChunkIndex: idx, ChunkHash: cd.ChunkHash}
			m.order.Delete(item)
			delete(m.byItem, item)
		}
		delete(m.downloads, id)
	}
}

// Downloads returns every queued download, for diagnostics/tests.
func (m *Manager) Downloads() []*Download {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]*Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, d)
	}
	return out
}
