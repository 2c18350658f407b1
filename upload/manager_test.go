package upload

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/protocol"
	"github.com/Zorvalt/dlan/transport"
)

type fakeProvider struct {
	chunks map[hash.Hash]chunk.Chunk
}

func newFakeProvider() *fakeProvider { return &fakeProvider{chunks: make(map[hash.Hash]chunk.Chunk)} }

func (p *fakeProvider) add(c chunk.Chunk) { p.chunks[c.Hash()] = c }

func (p *fakeProvider) Lookup(h hash.Hash) (chunk.Chunk, bool) {
	c, ok := p.chunks[h]
	return c, ok
}

func noopHandler(*transport.Socket, protocol.FrameHeader, protocol.Message) error { return nil }

func newManagerTestCfg() config.Config {
	cfg := config.Default()
	cfg.BufferSizeWriting = 4
	cfg.UploadLiveTime = time.Hour
	cfg.MaxConcurrentUploads = 1
	return cfg
}

func completeChunk(t *testing.T, content []byte) chunk.Chunk {
	t.Helper()
	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))
	w, err := c.OpenWriter()
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return c
}

func TestHandleGetChunkServesKnownChunk(t *testing.T) {
	content := []byte("0123456789abcdef")
	c := completeChunk(t, content)

	provider := newFakeProvider()
	provider.add(c)
	mgr := NewManager(provider, newManagerTestCfg(), log.Default)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	local, remote := hash.Hash{1}, hash.Hash{2}
	s := transport.New(serverConn, local, remote, noopHandler, log.Default)
	defer s.Close()

	hdr := protocol.FrameHeader{LocalPeerID: remote, RemotePeerID: local}
	msg := &protocol.GetChunkMessage{ChunkHash: c.Hash(), Offset: 4}

	go mgr.HandleGetChunk(s, hdr, msg)

	_, resultMsg, err := protocol.ReadFrame(clientConn)
	require.NoError(t, err)
	result, ok := resultMsg.(*protocol.GetChunkResultMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOK, result.Status)
	assert.True(t, result.HasChunkSize)
	assert.EqualValues(t, len(content), result.ChunkSize)

	buf := make([]byte, len(content)-4)
	n, err := readFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, content[4:], buf)

	mgr.Wait()
}

func TestHandleGetChunkUnknownChunkRepliesDontHave(t *testing.T) {
	provider := newFakeProvider()
	mgr := NewManager(provider, newManagerTestCfg(), log.Default)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	local, remote := hash.Hash{1}, hash.Hash{2}
	s := transport.New(serverConn, local, remote, noopHandler, log.Default)
	defer s.Close()

	hdr := protocol.FrameHeader{LocalPeerID: remote, RemotePeerID: local}
	msg := &protocol.GetChunkMessage{ChunkHash: hash.Hash{9}, Offset: 0}

	go mgr.HandleGetChunk(s, hdr, msg)

	_, resultMsg, err := protocol.ReadFrame(clientConn)
	require.NoError(t, err)
	result := resultMsg.(*protocol.GetChunkResultMessage)
	assert.Equal(t, protocol.StatusDontHave, result.Status)
}

func TestHandleGetChunkOffsetBeyondKnownBytesIsError(t *testing.T) {
	content := []byte("short")
	c := completeChunk(t, content)
	provider := newFakeProvider()
	provider.add(c)
	mgr := NewManager(provider, newManagerTestCfg(), log.Default)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	local, remote := hash.Hash{1}, hash.Hash{2}
	s := transport.New(serverConn, local, remote, noopHandler, log.Default)
	defer s.Close()

	hdr := protocol.FrameHeader{LocalPeerID: remote, RemotePeerID: local}
	msg := &protocol.GetChunkMessage{ChunkHash: c.Hash(), Offset: uint64(len(content) + 10)}

	go mgr.HandleGetChunk(s, hdr, msg)

	_, resultMsg, err := protocol.ReadFrame(clientConn)
	require.NoError(t, err)
	result := resultMsg.(*protocol.GetChunkResultMessage)
	assert.Equal(t, protocol.StatusError, result.Status)
}

func TestHandleGetChunkAtCapacityRepliesDontHave(t *testing.T) {
	content := bytes20()
	c := completeChunk(t, content)
	provider := newFakeProvider()
	provider.add(c)
	cfg := newManagerTestCfg()
	mgr := NewManager(provider, cfg, log.Default)
	require.True(t, mgr.sem.TryAcquire(1), "occupy the single upload slot")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	local, remote := hash.Hash{1}, hash.Hash{2}
	s := transport.New(serverConn, local, remote, noopHandler, log.Default)
	defer s.Close()

	hdr := protocol.FrameHeader{LocalPeerID: remote, RemotePeerID: local}
	msg := &protocol.GetChunkMessage{ChunkHash: c.Hash(), Offset: 0}

	go mgr.HandleGetChunk(s, hdr, msg)

	_, resultMsg, err := protocol.ReadFrame(clientConn)
	require.NoError(t, err)
	result := resultMsg.(*protocol.GetChunkResultMessage)
	assert.Equal(t, protocol.StatusDontHave, result.Status, "no free upload slot")
}

func bytes20() []byte {
	b := make([]byte, 20)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
