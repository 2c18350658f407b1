package upload

import (
	"context"
	"sync"

	"github.com/anacrolix/log"
	"golang.org/x/sync/semaphore"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/protocol"
	"github.com/Zorvalt/dlan/transport"
)

// ChunkProvider is the file manager contract's read side (spec.md §6):
// look up a chunk by hash. filestore.Store is the concrete reference
// adapter; tests use a fake.
type ChunkProvider interface {
	Lookup(chunkHash hash.Hash) (chunk.Chunk, bool)
}

// Manager is the UploadManager scheduler (spec.md §4.5): it answers
// inbound GET_CHUNK requests and runs the resulting Uploaders under a
// global concurrency cap, the symmetric counterpart of download.Manager.
type Manager struct {
	provider ChunkProvider
	cfg      config.Config
	logger   log.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	uploaders map[uint64]*Uploader

	wg sync.WaitGroup
}

// NewManager returns a Manager answering GET_CHUNK against provider.
func NewManager(provider ChunkProvider, cfg config.Config, logger log.Logger) *Manager {
	return &Manager{
		provider:  provider,
		cfg:       cfg,
		logger:    logger,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentUploads),
		uploaders: make(map[uint64]*Uploader),
	}
}

// HandleGetChunk is the peer-side handler spec.md §4.4 describes,
// intended to be registered as a download.Router's OnGetChunk: on
// GET_CHUNK it replies GET_CHUNK_RESULT and, if accepted, transitions s to
// streaming mode and spawns an Uploader.
//
// Registration glue, e.g.:
//
//	router.OnGetChunk = uploadManager.HandleGetChunk
func (m *Manager) HandleGetChunk(s *transport.Socket, hdr protocol.FrameHeader, msg *protocol.GetChunkMessage) {
	c, ok := m.provider.Lookup(msg.ChunkHash)
	if !ok {
		m.reply(s, &protocol.GetChunkResultMessage{Status: protocol.StatusDontHave})
		s.Finished(transport.FinishOK)
		return
	}
	if int64(msg.Offset) > c.KnownBytes() {
		m.reply(s, &protocol.GetChunkResultMessage{Status: protocol.StatusError})
		s.Finished(transport.FinishError)
		return
	}
	if !m.sem.TryAcquire(1) {
		// At the global upload concurrency cap: reply as if we don't have
		// the chunk rather than promise a stream we can't serve right now.
		// There is no "busy, retry later" status in the GET_CHUNK_RESULT
		// taxonomy (spec.md §4.4); the peer will re-request from another
		// source or try again later.
		m.reply(s, &protocol.GetChunkResultMessage{Status: protocol.StatusDontHave})
		s.Finished(transport.FinishOK)
		return
	}

	result := &protocol.GetChunkResultMessage{Status: protocol.StatusOK, HasChunkSize: true, ChunkSize: uint64(c.KnownBytes())}
	if err := s.Send(result); err != nil {
		m.sem.Release(1)
		s.Finished(transport.FinishError)
		return
	}
	if err := s.Flush(context.Background()); err != nil {
		m.sem.Release(1)
		s.Finished(transport.FinishError)
		return
	}

	conn := s.StartStreaming()
	u := NewUploader(hdr.LocalPeerID, c, int64(msg.Offset), conn, m.cfg, m.logger)

	m.mu.Lock()
	m.uploaders[u.ID] = u
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)
		defer func() {
			m.mu.Lock()
			delete(m.uploaders, u.ID)
			m.mu.Unlock()
		}()

		err := u.Run(context.Background())
		s.StopStreaming()
		if err != nil {
			s.Finished(transport.FinishError)
			m.logger.WithDefaultLevel(log.Debug).Printf("upload %v to %v ended with error: %v", u.ID, u.PeerID, err)
			return
		}
		s.Finished(transport.FinishOK)
	}()
}

func (m *Manager) reply(s *transport.Socket, result *protocol.GetChunkResultMessage) {
	if err := s.Send(result); err != nil {
		m.logger.WithDefaultLevel(log.Debug).Printf("sending GetChunkResult failed: %v", err)
	}
}

// Uploaders returns every Uploader currently in flight, for diagnostics.
func (m *Manager) Uploaders() []*Uploader {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Uploader, 0, len(m.uploaders))
	for _, u := range m.uploaders {
		out = append(out, u)
	}
	return out
}

// Wait blocks until every in-flight Uploader has finished, for graceful
// shutdown.
func (m *Manager) Wait() { m.wg.Wait() }
