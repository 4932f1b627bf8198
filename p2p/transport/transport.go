// Package transport implements the four protocol adapters: UDP, TCP, WS
// and WSS send/recv with framing, plus a TLS acceptor
// for WSS and an "unbound send" helper for one-off datagrams (receipts,
// unbound request/reply). The send/recv/close contract is uniform across
// protocols so connmgr and netman never branch on protocol kind.
package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// MaxFrameSize bounds any single framed message; a larger claimed length is
// an invalid_framing condition.
const MaxFrameSize = 65536

var (
	// ErrWouldBlock means the send buffer is full right now.
	ErrWouldBlock = errors.New("transport: would block")
	// ErrNoConnection means the flow has no live connection.
	ErrNoConnection = errors.New("transport: no connection")
	// ErrInvalidFraming means a peer sent a malformed frame (oversized
	// length prefix, truncated datagram, ...). Receiving this must trigger
	// punishment of the remote IP.
	ErrInvalidFraming = errors.New("transport: invalid framing")
)

// Connection is the uniform per-flow send/receive/close contract every
// protocol adapter implements.
type Connection interface {
	ID() types.ConnectionID
	Flow() types.Flow
	Protocol() types.Protocol
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

var nextConnID uint64

// NewConnectionID hands out a process-local monotonically increasing id.
func NewConnectionID() types.ConnectionID {
	return types.ConnectionID(atomic.AddUint64(&nextConnID, 1))
}

// remoteIP extracts the IP from an arbitrary net.Addr, used by the address
// filter and by invalid-framing punishment.
func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

// dialTimeout returns d, or 10 seconds when d is not positive. No dial in
// this package calls it: DialTCP is bounded only by ctx, and DialWS/DialWSS
// by ctx and wsDialer's 10-second handshake timeout.
func dialTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// withDeadline applies ctx's deadline (if any) to conn, the pattern every
// stream Connection's Send/Recv uses before doing blocking I/O.
func withDeadline(ctx context.Context, conn net.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(dl)
	}
	return conn.SetDeadline(time.Time{})
}
