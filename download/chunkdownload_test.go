package download

import (
	"context"
	"io"
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

// fakeTransport is a PeerTransport whose GetChunk is scripted per peer ID,
// so tests can exercise peer-switch, corruption, and dropout without real
// sockets.
type fakeTransport struct {
	// handlers maps a peer ID to a function producing this call's result.
	handlers map[hash.Hash]func() (*protocol.GetChunkResultMessage, []byte, error)
	calls    []hash.Hash
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[hash.Hash]func() (*protocol.GetChunkResultMessage, []byte, error))}
}

func (f *fakeTransport) serve(id hash.Hash, result *protocol.GetChunkResultMessage, payload []byte) {
	f.handlers[id] = func() (*protocol.GetChunkResultMessage, []byte, error) { return result, payload, nil }
}

func (f *fakeTransport) GetChunk(ctx context.Context, peerID hash.Hash, address string, req *protocol.GetChunkMessage) (*protocol.GetChunkResultMessage, net.Conn, func(transport.FinishStatus), error) {
	f.calls = append(f.calls, peerID)
	h, ok := f.handlers[peerID]
	if !ok {
		return &protocol.GetChunkResultMessage{Status: protocol.StatusDontHave}, nil, nil, nil
	}
	result, payload, err := h()
	if err != nil {
		return nil, nil, nil, err
	}
	if result.Status != protocol.StatusOK {
		return result, nil, nil, nil
	}

	client, server := net.Pipe()
	go func() {
		server.Write(payload)
		server.Close()
	}()
	finish := func(transport.FinishStatus) {}
	return result, client, finish, nil
}

func newTestCfg() config.Config {
	cfg := config.Default()
	cfg.BufferSizeWriting = 8
	cfg.PresenceTimeout = time.Hour
	cfg.BanDurationCorruptedData = time.Minute
	return cfg
}

func setupChunkDownload(t *testing.T, content []byte, ft *fakeTransport, peerIDs ...hash.Hash) (*ChunkDownload, *peer.Registry, *peer.OccupiedPeers) {
	t.Helper()
	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	now := time.Now()
	for i, id := range peerIDs {
		registry.Joined(id, "peer", "addr", now)
		registry.Updated(id, uint64(1000+i), now)
	}

	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))
	cd := NewChunkDownload(h, c, registry, occupied, ft, newTestCfg(), log.Default)
	for _, id := range peerIDs {
		cd.AddPeerID(id, "addr")
	}
	return cd, registry, occupied
}

func resultOK(size int) *protocol.GetChunkResultMessage {
	return &protocol.GetChunkResultMessage{Status: protocol.StatusOK, HasChunkSize: true, ChunkSize: uint64(size)}
}

func TestStartDownloadingHappyPath(t *testing.T) {
	content := []byte("hello chunk download world")
	peerA := hash.Hash{1}

	ft := newFakeTransport()
	ft.serve(peerA, resultOK(len(content)), content)

	cd, _, occupied := setupChunkDownload(t, content, ft, peerA)

	ok := cd.StartDownloading(context.Background(), time.Now())
	require.True(t, ok)
	assert.True(t, cd.IsComplete())
	assert.False(t, cd.IsDownloading())
	assert.True(t, occupied.IsFree(peerA), "peer released after completion")
}

func TestStartDownloadingCorruptionBansPeer(t *testing.T) {
	content := []byte("the real content")
	peerA := hash.Hash{1}

	ft := newFakeTransport()
	ft.serve(peerA, resultOK(len(content)), []byte("not the real content at all"))

	cd, registry, _ := setupChunkDownload(t, content, ft, peerA)

	now := time.Now()
	ok := cd.StartDownloading(context.Background(), now)
	require.True(t, ok)
	assert.False(t, cd.IsComplete())

	p, found := registry.Get(peerA)
	require.True(t, found)
	assert.False(t, p.IsAvailable(now, time.Hour), "peer should be banned after corrupted data")
}

func TestStartDownloadingNoFreePeerReturnsFalse(t *testing.T) {
	content := []byte("x")
	ft := newFakeTransport()
	cd, _, _ := setupChunkDownload(t, content, ft)

	ok := cd.StartDownloading(context.Background(), time.Now())
	assert.False(t, ok, "no sources at all")
}

func TestStartDownloadingDropsPeerOnDontHave(t *testing.T) {
	content := []byte("abc")
	peerA := hash.Hash{1}

	ft := newFakeTransport()
	ft.serve(peerA, &protocol.GetChunkResultMessage{Status: protocol.StatusDontHave}, nil)

	cd, _, occupied := setupChunkDownload(t, content, ft, peerA)

	ok := cd.StartDownloading(context.Background(), time.Now())
	require.True(t, ok)
	assert.False(t, cd.IsComplete())
	assert.True(t, occupied.IsFree(peerA))

	ready := cd.IsReadyToDownload(time.Now())
	assert.Equal(t, 0, ready, "dropped source leaves no peers")
}

func TestStartDownloadingChunkSizeMismatchIsTransportError(t *testing.T) {
	content := []byte("0123456789")
	peerA := hash.Hash{1}

	ft := newFakeTransport()
	// Peer claims a chunk_size that disagrees with our chunk's total size (10).
	ft.serve(peerA, resultOK(5), content)

	cd, _, occupied := setupChunkDownload(t, content, ft, peerA)

	ok := cd.StartDownloading(context.Background(), time.Now())
	require.True(t, ok)
	assert.False(t, cd.IsComplete())
	assert.True(t, occupied.IsFree(peerA))
}

func TestIdempotentResumeFromKnownBytes(t *testing.T) {
	content := []byte("0123456789abcdef")
	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))

	w, err := c.OpenWriter()
	require.NoError(t, err)
	_, err = w.Write(content[:8])
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.EqualValues(t, 8, c.KnownBytes())

	peerA := hash.Hash{1}
	ft := newFakeTransport()
	// Remaining bytes only: GetChunk's Offset mirrors KnownBytes(), so the
	// fake peer "resumes" by only returning the tail.
	ft.serve(peerA, resultOK(len(content)), content[8:])

	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	now := time.Now()
	registry.Joined(peerA, "peer", "addr", now)
	registry.Updated(peerA, 1000, now)

	cd := NewChunkDownload(h, c, registry, occupied, ft, newTestCfg(), log.Default)
	cd.AddPeerID(peerA, "addr")

	ok := cd.StartDownloading(context.Background(), now)
	require.True(t, ok)
	assert.True(t, cd.IsComplete())
}

func TestCancelStopsStreamingLoopBeforeReading(t *testing.T) {
	content := make([]byte, 64)
	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))
	peerA := hash.Hash{1}

	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	now := time.Now()
	registry.Joined(peerA, "peer", "addr", now)
	registry.Updated(peerA, 1000, now)

	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	cd := NewChunkDownload(h, c, registry, occupied, newFakeTransport(), newTestCfg(), log.Default)
	cd.AddPeerID(peerA, "addr")

	cd.lock.Lock()
	cd.currentPeer = peerA
	cd.downloading = true
	cd.lock.Unlock()

	cd.Cancel()
	status := cd.stream(context.Background(), client, mustPeer(registry, peerA), now)
	assert.Equal(t, TransferToClose, status, "cancellation observed before any read is attempted")
}

func mustPeer(r *peer.Registry, id hash.Hash) *peer.Peer {
	p, _ := r.Get(id)
	return p
}

var _ io.Reader = (*net.TCPConn)(nil) // sanity: net.Conn satisfies io.Reader, as stream() requires
