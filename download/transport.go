package download

import (
	"context"
	"net"
	"sync"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/protocol"
	"github.com/Zorvalt/dlan/transport"
)

// PeerTransport is how a ChunkDownload reaches a peer's socket, resolved
// by peer ID rather than held as a direct reference — the arena/registry
// pattern spec.md §9 prescribes for the Peer <-> ConnectionPool <->
// MessageSocket cycle. It is a seam: production code uses *Router,
// tests use a fake.
type PeerTransport interface {
	// GetChunk sends GET_CHUNK to peerID at address and returns the
	// GET_CHUNK_RESULT plus, on StatusOK, the now-streaming net.Conn and a
	// finish func the caller must invoke exactly once when done with the
	// socket.
	GetChunk(ctx context.Context, peerID hash.Hash, address string, req *protocol.GetChunkMessage) (result *protocol.GetChunkResultMessage, stream net.Conn, finish func(transport.FinishStatus), err error)
}

// Router is the production PeerTransport: one transport.Pool per remote
// peer, created lazily, with inbound GET_CHUNK_RESULT frames routed back
// to the ChunkDownload awaiting them by remote peer ID. At most one
// GET_CHUNK is outstanding per peer at a time, enforced by
// peer.OccupiedPeers upstream, so keying the wait-map by peer ID (rather
// than by individual socket) is sufficient.
type Router struct {
	localID hash.Hash
	logger  log.Logger

	mu      sync.Mutex
	pools   map[hash.Hash]*transport.Pool
	pending map[hash.Hash]chan protocol.Message

	// OnGetChunk, if set, serves inbound GET_CHUNK requests on behalf of
	// the upload package — Router only implements the client side
	// (download); the server side is registered here to share one
	// connection pool and one dispatch path per peer. s is the exact
	// socket the request arrived on, needed to reply and then hand off to
	// streaming mode.
	OnGetChunk func(s *transport.Socket, hdr protocol.FrameHeader, msg *protocol.GetChunkMessage)
}

// NewRouter returns a Router that identifies itself as localID on every
// socket it opens.
func NewRouter(localID hash.Hash, logger log.Logger) *Router {
	return &Router{
		localID: localID,
		logger:  logger,
		pools:   make(map[hash.Hash]*transport.Pool),
		pending: make(map[hash.Hash]chan protocol.Message),
	}
}

func (r *Router) poolFor(peerID hash.Hash, address string) *transport.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[peerID]; ok {
		return p
	}
	p := transport.NewPool(r.localID, peerID, address, r.handle, r.logger)
	r.pools[peerID] = p
	return p
}

// Accept registers an inbound connection from a peer we may not have
// dialed, e.g. one initiating an upload request to us. peerID is the
// caller's best guess at the remote identity (from discovery); the
// returned error is non-nil if the connection's first frame declares a
// different sender, per transport.Pool.Accept's cross-check.
func (r *Router) Accept(peerID hash.Hash, address string, conn net.Conn) (*transport.Socket, error) {
	return r.poolFor(peerID, address).Accept(conn)
}

// handle is the shared Handler for every socket Router manages: it
// dispatches GET_CHUNK to OnGetChunk (serving an upload) and routes
// GET_CHUNK_RESULT to whichever GetChunk call is awaiting a reply from
// this sender.
func (r *Router) handle(s *transport.Socket, hdr protocol.FrameHeader, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.GetChunkResultMessage:
		r.mu.Lock()
		ch, ok := r.pending[hdr.LocalPeerID] // hdr.LocalPeerID is the frame's sender, i.e. our remote peer
		r.mu.Unlock()
		if !ok {
			return errors.Errorf("download: unexpected GetChunkResult from %v", hdr.LocalPeerID)
		}
		ch <- m
		return nil
	case *protocol.GetChunkMessage:
		if r.OnGetChunk == nil {
			return errors.New("download: no upload handler registered for GetChunk")
		}
		r.OnGetChunk(s, hdr, m)
		return nil
	default:
		return nil
	}
}

// GetChunk implements PeerTransport.
func (r *Router) GetChunk(ctx context.Context, peerID hash.Hash, address string, req *protocol.GetChunkMessage) (*protocol.GetChunkResultMessage, net.Conn, func(transport.FinishStatus), error) {
	pool := r.poolFor(peerID, address)
	socket, err := pool.GetIdleSocket(ctx)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "download: acquiring socket")
	}

	respCh := make(chan protocol.Message, 1)
	r.mu.Lock()
	r.pending[peerID] = respCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, peerID)
		r.mu.Unlock()
	}()

	if err := socket.Send(req); err != nil {
		socket.Finished(transport.FinishError)
		pool.Release(socket, false)
		return nil, nil, nil, errors.Wrap(err, "download: sending GetChunk")
	}

	select {
	case <-ctx.Done():
		socket.Finished(transport.FinishError)
		pool.Release(socket, false)
		return nil, nil, nil, ctx.Err()
	case <-socket.Closed():
		pool.Release(socket, false)
		return nil, nil, nil, errors.New("download: socket closed awaiting GetChunkResult")
	case msg := <-respCh:
		result := msg.(*protocol.GetChunkResultMessage)
		if result.Status != protocol.StatusOK {
			socket.Finished(transport.FinishOK)
			pool.Release(socket, true)
			return result, nil, nil, nil
		}
		conn := socket.StartStreaming()
		finish := func(status transport.FinishStatus) {
			socket.StopStreaming()
			keepIdle := socket.Finished(status)
			pool.Release(socket, keepIdle)
		}
		return result, conn, finish, nil
	}
}
