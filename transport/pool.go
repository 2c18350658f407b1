package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/anacrolix/log"
	xsync "github.com/anacrolix/sync"
	list "github.com/bahlo/generic-list-go"
	"go.uber.org/multierr"

	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/protocol"
)

// Pool is a ConnectionPool: the per-remote-peer container of MessageSockets
// from spec.md §4.2. Outbound sockets (we dialed) and inbound sockets (the
// peer dialed us) are tracked in separate lists because direction decides
// who owns idle lifecycle — outbound sockets may sit idle indefinitely,
// inbound ones are closed eagerly.
type Pool struct {
	localPeerID  hash.Hash
	remotePeerID hash.Hash
	address      string
	handler      Handler
	logger       log.Logger

	mu       xsync.Mutex
	outbound *list.List[*Socket]
	inbound  *list.List[*Socket]
}

func NewPool(localPeerID, remotePeerID hash.Hash, address string, handler Handler, logger log.Logger) *Pool {
	return &Pool{
		localPeerID:  localPeerID,
		remotePeerID: remotePeerID,
		address:      address,
		handler:      handler,
		logger:       logger,
		outbound:     list.New[*Socket](),
		inbound:      list.New[*Socket](),
	}
}

// GetIdleSocket returns an idle outbound socket, dialing a new one if none
// is idle. The returned socket is marked active and must be released with
// Finished (via Socket.Finished, which only updates socket state — the pool
// re-admits it to the idle list separately via Release).
func (p *Pool) GetIdleSocket(ctx context.Context) (*Socket, error) {
	p.mu.Lock()
	for e := p.outbound.Front(); e != nil; e = e.Next() {
		s := e.Value
		if !s.IsActive() {
			s.SetActive(true)
			p.mu.Unlock()
			return s, nil
		}
	}
	p.mu.Unlock()

	conn, err := DialContext(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %v at %v: %w", p.remotePeerID, p.address, err)
	}
	s := New(conn, p.localPeerID, p.remotePeerID, p.handler, p.logger)
	p.mu.Lock()
	p.outbound.PushBack(s)
	p.mu.Unlock()
	return s, nil
}

// Accept wraps an inbound TCP connection as a MessageSocket and adds it to
// the inbound list, after reading the first frame's header off conn and
// cross-checking its declared sender against this pool's remote peer ID,
// per spec.md §4.2. On a mismatch, conn is closed and an error returned
// instead (the Protocol error class, per spec.md §7) — a peer dialing in
// under a different identity than the caller assumed must not be silently
// admitted under the wrong ID.
func (p *Pool) Accept(conn net.Conn) (*Socket, error) {
	hdr, raw, err := protocol.PeekFrameHeader(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: reading inbound frame header: %w", err)
	}
	if hdr.LocalPeerID != p.remotePeerID {
		conn.Close()
		return nil, fmt.Errorf("transport: inbound peer id %v does not match expected %v", hdr.LocalPeerID, p.remotePeerID)
	}

	wrapped := &prefixedConn{Conn: conn, prefix: bytes.NewReader(raw)}
	s := New(wrapped, p.localPeerID, p.remotePeerID, p.handler, p.logger)
	p.mu.Lock()
	p.inbound.PushBack(s)
	p.mu.Unlock()
	return s, nil
}

// prefixedConn replays prefix before falling through to the wrapped
// net.Conn's own reads, so a header already consumed to cross-check the
// sender's peer ID (Pool.Accept) can be handed back to the framed read
// loop as if it had never been peeked at.
type prefixedConn struct {
	net.Conn
	prefix *bytes.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(p)
	}
	return c.Conn.Read(p)
}

// Release returns an idle outbound socket to service, or drops an inbound
// socket eagerly (inbound sockets are not kept idle — the remote side
// controls when to dial again, per spec.md §4.2's rationale).
func (p *Pool) Release(s *Socket, keepIdle bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.inbound.Front(); e != nil; e = e.Next() {
		if e.Value == s {
			p.inbound.Remove(e)
			s.Close()
			return
		}
	}
	if !keepIdle {
		for e := p.outbound.Front(); e != nil; e = e.Next() {
			if e.Value == s {
				p.outbound.Remove(e)
				break
			}
		}
	}
}

// CloseAll closes every socket in both lists, invoked on peer removal or
// shutdown.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for e := p.outbound.Front(); e != nil; e = e.Next() {
		err = multierr.Append(err, e.Value.Close())
	}
	for e := p.inbound.Front(); e != nil; e = e.Next() {
		err = multierr.Append(err, e.Value.Close())
	}
	p.outbound.Init()
	p.inbound.Init()
	return err
}

// Counts returns the number of outbound and inbound sockets currently
// tracked, for diagnostics and tests.
func (p *Pool) Counts() (outbound, inbound int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbound.Len(), p.inbound.Len()
}
