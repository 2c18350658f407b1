// Package transport implements MessageSocket (a framed TCP connection with
// a raw-streaming mode) and ConnectionPool (the per-peer container of
// MessageSockets), per spec.md §4.1/§4.2.
//
// The write side is a buffered, coalescing writer goroutine modeled
// directly on the teacher's peerConnMsgWriter (front/back buffer swap, a
// high/low watermark, a keepalive timer). Framed reads run on their own
// goroutine and dispatch to a Handler. At a streaming-mode boundary the
// underlying net.Conn is handed to the caller as an exclusively owned
// value — the "thread handoff of a live socket" from spec.md §9 — and
// MessageSocket stops servicing it until StopStreaming is called.
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	xsync "github.com/anacrolix/sync"

	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/protocol"
)

// FinishStatus is the taxonomy a caller reports a transaction with, per
// spec.md §4.1 "Finished status taxonomy".
type FinishStatus int

const (
	FinishOK FinishStatus = iota
	FinishError
	FinishToClose
)

// Default idle-timer and error-count-before-force-close values, mirroring
// the original source's Socket.cpp MAX_SOCKET_ERROR_BEFORE_FORCE_TO_CLOSE
// and inactiveTimer.
const (
	DefaultIdleTimeout          = 4 * time.Minute
	DefaultMaxConsecutiveErrors = 3
	writeBufferHighWaterLen     = 128 * 1024
	writeBufferLowWaterLen      = 64 * 1024
	keepAliveInterval           = 2 * time.Minute
)

// Handler dispatches an inbound framed message, given the Socket it
// arrived on — a request/reply handler that transitions the socket to
// streaming mode (GET_CHUNK's responder) needs the exact originating
// socket, not just its peer. Returning an error is
// treated as a Protocol-class error: the socket is closed, the error is
// not propagated to the scheduler (spec.md §7).
type Handler func(s *Socket, hdr protocol.FrameHeader, msg protocol.Message) error

// Socket is a MessageSocket: a TCP connection carrying typed, length
// prefixed messages, with a raw-streaming mode for chunk transfer.
type Socket struct {
	conn         net.Conn
	localPeerID  hash.Hash
	remotePeerID hash.Hash
	logger       log.Logger
	handler      Handler
	idleTimeout  time.Duration
	maxErrors    int

	mu          xsync.Mutex
	active      bool
	streaming   bool
	errorCount  int
	writeBuf    *bytes.Buffer
	flushing    bool // front buffer handed off to the wire, not yet confirmed written
	writeCond   chansync.BroadcastCond
	drainedCond chansync.BroadcastCond
	closed      chansync.SetOnce
	idleTimer   *time.Timer
	readPauseCh chan struct{} // closed to release the read loop into streaming mode
}

// New wraps conn as a framed MessageSocket. handler is invoked from the
// socket's own read goroutine for every inbound frame while in framed mode.
func New(conn net.Conn, localPeerID, remotePeerID hash.Hash, handler Handler, logger log.Logger) *Socket {
	s := &Socket{
		conn:         conn,
		localPeerID:  localPeerID,
		remotePeerID: remotePeerID,
		logger:       logger,
		handler:      handler,
		idleTimeout:  DefaultIdleTimeout,
		maxErrors:    DefaultMaxConsecutiveErrors,
		active:       true,
		writeBuf:     new(bytes.Buffer),
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, s.onIdleTimeout)
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *Socket) onIdleTimeout() {
	s.logger.WithDefaultLevel(log.Debug).Printf("closing socket to %v after idle timeout", s.remotePeerID)
	s.Close()
}

func (s *Socket) resetIdleTimer() {
	s.idleTimer.Reset(s.idleTimeout)
}

// RemotePeerID returns the peer ID this socket is connected to.
func (s *Socket) RemotePeerID() hash.Hash { return s.remotePeerID }

// IsActive reports whether the socket is currently borrowed for a
// transaction (as opposed to idle in a ConnectionPool list).
func (s *Socket) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive marks the socket borrowed (true) or idle (false).
func (s *Socket) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// Send enqueues msg to be written on the wire. Returns an error if the
// socket is already closed, if encoding fails, or if the write buffer has
// reached its high-water mark (in that last case msg is still enqueued);
// wire errors surface later via Finished/closure of the read loop.
func (s *Socket) Send(msg protocol.Message) error {
	if s.closed.IsSet() {
		return errors.New("transport: socket closed")
	}
	var payload bytes.Buffer
	if err := protocol.WriteFrame(&payload, s.localPeerID, s.remotePeerID, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.writeBuf.Write(payload.Bytes())
	full := s.writeBuf.Len() >= writeBufferHighWaterLen
	s.mu.Unlock()
	s.writeCond.Broadcast()
	s.resetIdleTimer()
	if full {
		return errors.New("transport: write buffer full")
	}
	return nil
}

// Flush blocks until every message enqueued by Send so far has been
// written to the wire (or the socket closes). A caller about to call
// StartStreaming must Flush first: writeLoop is an asynchronous
// coalescing writer, so without this a framed reply and the first raw
// streamed bytes could otherwise race onto the same connection out of
// order.
func (s *Socket) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.writeBuf.Len() == 0 && !s.flushing
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-s.drainedCond.Signaled():
		case <-s.closed.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop is a buffered, coalescing writer: messages enqueued by Send
// accumulate in writeBuf; this goroutine periodically swaps it for an empty
// back buffer and writes the front buffer to the wire in one pass, the same
// front/back swap the teacher's peerConnMsgWriter uses to avoid holding the
// lock for the duration of a (possibly slow) network write.
func (s *Socket) writeLoop() {
	defer s.Close()
	keepAliveTimer := time.NewTimer(keepAliveInterval)
	defer keepAliveTimer.Stop()
	back := new(bytes.Buffer)
	for {
		if s.closed.IsSet() {
			return
		}
		s.mu.Lock()
		empty := s.writeBuf.Len() == 0
		if empty {
			signal := s.writeCond.Signaled()
			s.mu.Unlock()
			select {
			case <-s.closed.Done():
				return
			case <-signal:
				continue
			case <-keepAliveTimer.C:
				keepAliveTimer.Reset(keepAliveInterval)
				continue
			}
		}
		front := s.writeBuf
		s.writeBuf = back
		s.flushing = true
		s.mu.Unlock()

		_, err := front.WriteTo(s.conn)

		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
		s.drainedCond.Broadcast()

		if err != nil {
			s.logger.WithDefaultLevel(log.Debug).Printf("write error to %v: %v", s.remotePeerID, err)
			return
		}
		front.Reset()
		back = front
		keepAliveTimer.Reset(keepAliveInterval)
	}
}

// readLoop continuously reads framed messages and dispatches them to
// handler, pausing while the socket is in streaming mode.
func (s *Socket) readLoop() {
	for {
		s.mu.Lock()
		streaming := s.streaming
		pauseCh := s.readPauseCh
		s.mu.Unlock()
		if streaming {
			<-pauseCh
			continue
		}
		hdr, msg, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				// The frame's payload is already fully consumed by
				// ReadFrame; skip it and keep reading, per spec.md §6's
				// forward-compatibility requirement.
				s.logger.WithDefaultLevel(log.Debug).Printf("skipping unknown message type from %v: %v", s.remotePeerID, err)
				s.resetIdleTimer()
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.WithDefaultLevel(log.Debug).Printf("read error from %v: %v", s.remotePeerID, err)
			}
			s.Close()
			return
		}
		s.resetIdleTimer()
		if err := s.handler(s, hdr, msg); err != nil {
			s.logger.WithDefaultLevel(log.Debug).Printf("protocol error from %v: %v", s.remotePeerID, err)
			s.Close()
			return
		}
	}
}

// StartStreaming suspends framed I/O and hands the underlying net.Conn to
// the caller for exclusive raw use, per spec.md §4.1/§9. The caller must
// call StopStreaming (or Close) when done.
func (s *Socket) StartStreaming() net.Conn {
	s.mu.Lock()
	s.streaming = true
	s.readPauseCh = make(chan struct{})
	s.mu.Unlock()
	return s.conn
}

// StopStreaming resumes framed I/O after a streaming transfer completes.
func (s *Socket) StopStreaming() {
	s.mu.Lock()
	s.streaming = false
	ch := s.readPauseCh
	s.readPauseCh = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Finished reports the outcome of a transaction on this socket, per
// spec.md §4.1's OK/Error/ToClose taxonomy. It returns true if the socket
// should be returned to the ConnectionPool's idle list, false if it was
// closed.
func (s *Socket) Finished(status FinishStatus) bool {
	s.mu.Lock()
	s.active = false
	shouldClose := false
	keepIdle := true
	switch status {
	case FinishOK:
		s.errorCount = 0
	case FinishError:
		s.errorCount++
		if s.errorCount >= s.maxErrors {
			shouldClose = true
			keepIdle = false
		}
	case FinishToClose:
		shouldClose = true
		keepIdle = false
	}
	s.mu.Unlock()

	if shouldClose {
		s.Close()
	}
	return keepIdle
}

// Close closes the underlying connection. Idempotent.
func (s *Socket) Close() error {
	if !s.closed.Set() {
		return nil
	}
	s.idleTimer.Stop()
	s.writeCond.Broadcast()
	return s.conn.Close()
}

// Closed reports whether Close has run.
func (s *Socket) Closed() <-chan struct{} {
	return s.closed.Done()
}

// DialContext dials a TCP connection with OS keepalive disabled, relying on
// the peer protocol's own keepalive (GET_CHUNK/CHAT traffic) rather than
// the OS's, matching the teacher's tcpListenConfig/netDialer intent. The
// raw socket-option tuning the teacher does via golang.org/x/sys lives in
// GOOS-specific files not sampled from the teacher repo; net.Dialer's
// portable KeepAlive: -1 covers the one concern (peer-managed liveness)
// achievable without reproducing that platform split blind.
func DialContext(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{
		FallbackDelay: -1,
		KeepAlive:     -1,
	}
	return d.DialContext(ctx, "tcp", address)
}
