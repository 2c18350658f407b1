package snapshot

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/download"
	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/peer"
	"github.com/Zorvalt/dlan/protocol"
	"github.com/Zorvalt/dlan/transport"
)

// noopTransport never serves anything; these tests never stream chunk
// bytes, so every call is a no-op DONT_HAVE.
type noopTransport struct{}

func (noopTransport) GetChunk(context.Context, hash.Hash, string, *protocol.GetChunkMessage) (*protocol.GetChunkResultMessage, net.Conn, func(transport.FinishStatus), error) {
	return &protocol.GetChunkResultMessage{Status: protocol.StatusDontHave}, nil, nil, nil
}

func buildManagerWithOneDownload(t *testing.T) (*download.Manager, *download.Download) {
	t.Helper()
	cfg := config.Default()
	registry := peer.New()
	occupied := peer.NewOccupiedPeers()
	mgr := download.NewManager(cfg, log.Default, registry, occupied)

	peerA := hash.Hash{7}
	now := time.Now()
	registry.Joined(peerA, "peer", "10.0.0.1:9000", now)

	d := download.New("shared/movie.mkv", peerA, 3)
	content := []byte("abcdefghijklmnop")
	h := hash.Sum(content)
	c := chunk.NewMemory(h, int64(len(content)))
	w, err := c.OpenWriter()
	require.NoError(t, err)
	_, err = w.Write(content[:6])
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cd := download.NewChunkDownload(h, c, registry, occupied, noopTransport{}, cfg, log.Default)
	cd.AddPeerID(peerA, "10.0.0.1:9000")
	d.AddChunk(cd)
	mgr.AddDownload(d)
	return mgr, d
}

func TestExportThenImportRoundTrip(t *testing.T) {
	mgr, d := buildManagerWithOneDownload(t)

	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Export(mgr))

	records, err := s.Import()
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, d.EntryPath, r.EntryPath)
	assert.Equal(t, d.PeerSourceHint, r.PeerSourceHint)
	assert.Equal(t, d.QueuePos, r.QueuePos)
	require.Len(t, r.Chunks, 1)
	assert.Equal(t, d.Chunks()[0].ChunkHash, r.Chunks[0].ChunkHash)
	assert.EqualValues(t, 6, r.Chunks[0].KnownBytes)
	assert.EqualValues(t, 16, r.Chunks[0].TotalBytes)
	require.Len(t, r.Chunks[0].PeerSources, 1)
	assert.Equal(t, hash.Hash{7}, r.Chunks[0].PeerSources[0].PeerID)
	assert.Equal(t, "10.0.0.1:9000", r.Chunks[0].PeerSources[0].Address)
}

func TestExportReplacesPreviousSnapshot(t *testing.T) {
	mgr, _ := buildManagerWithOneDownload(t)
	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Export(mgr))
	require.NoError(t, s.Export(mgr))

	records, err := s.Import()
	require.NoError(t, err)
	assert.Len(t, records, 1, "re-exporting the same queue must not duplicate entries")
}

// TestExportIsStableAcrossIdenticalManagerState re-exports an unchanged
// manager and diffs the two Import results with go-cmp: a snapshot of
// unchanged state must import to records equal in every field, since
// Export fully replaces the bucket on every call.
func TestExportIsStableAcrossIdenticalManagerState(t *testing.T) {
	mgr, _ := buildManagerWithOneDownload(t)
	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Export(mgr))
	first, err := s.Import()
	require.NoError(t, err)

	require.NoError(t, s.Export(mgr))
	second, err := s.Import()
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("re-export of unchanged manager state differs (-first +second):\n%s", diff)
	}
}

func TestImportOnEmptySnapshotReturnsNoRecords(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer s.Close()

	records, err := s.Import()
	require.NoError(t, err)
	assert.Empty(t, records)
}
