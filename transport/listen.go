package transport

import (
	"net"

	"github.com/anacrolix/missinggo"
	"golang.org/x/net/netutil"
)

// MaxInboundConnections caps how many inbound peer connections Listen's
// listener accepts concurrently, the portable analogue of socket.go's raw
// socket-option tuning — a LAN node fielding unbounded simultaneous GET_CHUNK
// dials from a swarm shouldn't let accept() outrun the upload worker pool.
const MaxInboundConnections = 256

// Listen binds a TCP listener at address, retrying (up to 10 attempts in
// all) with the same host and a fresh dynamic port if the caller asked for port 0 and the
// kernel briefly handed back an address already in use — generalized
// from the teacher's listenAllRetry/listenTcp (socket.go), trimmed from
// its multi-network (TCP/uTP/UDP) fan-out down to the single TCP
// listener spec.md's MessageSocket needs. The returned listener is
// wrapped with netutil.LimitListener at MaxInboundConnections.
func Listen(address string) (net.Listener, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	const maxAttempts = 10
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
		if err == nil {
			return netutil.LimitListener(ln, MaxInboundConnections), nil
		}
		if port != "0" || !missinggo.IsAddrInUse(err) {
			return nil, err
		}
		// port == "0": the OS picked a free port that raced with another
		// bind between allocation and Listen; retry for a new one.
		lastErr = err
	}
	return nil, lastErr
}
