package download

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/peer"
	"github.com/Zorvalt/dlan/protocol"
	"github.com/Zorvalt/dlan/transport"
)

// slowTransport answers GetChunk only after release is closed, letting
// tests observe the scheduler's in-flight concurrency.
type slowTransport struct {
	release chan struct{}
	started chan hash.Hash
}

func newSlowTransport() *slowTransport {
	return &slowTransport{release: make(chan struct{}), started: make(chan hash.Hash, 64)}
}

func (s *slowTransport) GetChunk(ctx context.Context, peerID hash.Hash, address string, req *protocol.GetChunkMessage) (*protocol.GetChunkResultMessage, net.Conn, func(transport.FinishStatus), error) {
	s.started <- peerID
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
	return &protocol.GetChunkResultMessage{Status: protocol.StatusDontHave}, nil, nil, nil
}

func newManagerTestCfg(maxConcurrent int64) config.Config {
	cfg := config.Default()
	cfg.MaxConcurrentDownloads = maxConcurrent
	cfg.PresenceTimeout = time.Hour
	return cfg
}

func TestManagerRespectsConcurrencyCap(t *testing.T) {
	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	now := time.Now()

	st := newSlowTransport()
	cfg := newManagerTestCfg(2)
	mgr := NewManager(cfg, log.Default, registry, occupied)

	const numChunks = 5
	peerIDs := make([]hash.Hash, numChunks)
	d := New("file.bin", hash.Hash{}, 0)
	for i := 0; i < numChunks; i++ {
		peerIDs[i] = hash.Hash{byte(i + 1)}
		registry.Joined(peerIDs[i], "peer", "addr", now)
		registry.Updated(peerIDs[i], 1000, now)

		content := []byte{byte(i)}
		h := hash.Sum(content)
		c := chunk.NewMemory(h, int64(len(content)))
		cd := NewChunkDownload(h, c, registry, occupied, st, cfg, log.Default)
		cd.AddPeerID(peerIDs[i], "addr")
		d.AddChunk(cd)
	}
	mgr.AddDownload(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	seen := map[hash.Hash]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < int(cfg.MaxConcurrentDownloads) {
		select {
		case id := <-st.started:
			seen[id] = true
		case <-timeout:
			t.Fatalf("only observed %d concurrent starts, want %d", len(seen), cfg.MaxConcurrentDownloads)
		}
	}

	select {
	case id := <-st.started:
		t.Fatalf("unexpected extra start beyond concurrency cap: %v", id)
	case <-time.After(200 * time.Millisecond):
	}

	close(st.release)
	cancel()
	<-done
}

func TestManagerCancelRemovesDownloadFromQueue(t *testing.T) {
	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	cfg := newManagerTestCfg(4)
	mgr := NewManager(cfg, log.Default, registry, occupied)

	content := []byte("abc")
	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))
	cd := NewChunkDownload(h, c, registry, occupied, newFakeTransport(), cfg, log.Default)

	d := New("file.bin", hash.Hash{}, 0)
	d.AddChunk(cd)
	mgr.AddDownload(d)

	require.Len(t, mgr.Downloads(), 1)
	mgr.Cancel(d.ID)
	assert.Empty(t, mgr.Downloads())
	assert.True(t, cd.cancel.IsSet())
}

func TestManagerTickPrunesCompleteChunksAndCompletesDownloads(t *testing.T) {
	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	cfg := newManagerTestCfg(4)
	mgr := NewManager(cfg, log.Default, registry, occupied)

	content := []byte("done already")
	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))
	w, err := c.OpenWriter()
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.True(t, c.Complete())

	cd := NewChunkDownload(h, c, registry, occupied, newFakeTransport(), cfg, log.Default)
	d := New("file.bin", hash.Hash{}, 0)
	d.AddChunk(cd)
	mgr.AddDownload(d)

	started := mgr.tick(context.Background())
	assert.False(t, started, "already-complete chunk should not be scheduled")
	assert.Equal(t, StatusComplete, d.Status())
	assert.Equal(t, 0, mgr.order.Len())
}
