package transport

import (
	"context"
	"net"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// UDPConn adapts a shared *net.UDPConn plus a fixed remote address to the
// Connection contract. UDP is connectionless: the connection manager never
// registers these in the connection table, they exist only
// as a convenient per-flow handle around Send/Recv.
type UDPConn struct {
	id     types.ConnectionID
	conn   *net.UDPConn
	remote *net.UDPAddr
	local  string
	inbox  chan []byte // fed by the shared listener's dispatch loop
}

// NewUDPConn wraps conn for sends/receives to/from remote. inbox is fed by
// the listener that demultiplexes incoming datagrams by source address.
func NewUDPConn(conn *net.UDPConn, remote *net.UDPAddr, inbox chan []byte) *UDPConn {
	return &UDPConn{
		id:     NewConnectionID(),
		conn:   conn,
		remote: remote,
		local:  conn.LocalAddr().String(),
		inbox:  inbox,
	}
}

func (u *UDPConn) ID() types.ConnectionID { return u.id }

func (u *UDPConn) Flow() types.Flow {
	return types.Flow{
		Local:  u.local,
		Remote: types.PeerAddress{Protocol: types.ProtocolUDP, Socket: u.remote.String()},
	}
}

func (u *UDPConn) Protocol() types.Protocol { return types.ProtocolUDP }

// Send writes one datagram. A message exceeding MaxFrameSize is dropped
// with no partial delivery.
func (u *UDPConn) Send(ctx context.Context, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrInvalidFraming
	}
	if dl, ok := ctx.Deadline(); ok {
		u.conn.SetWriteDeadline(dl)
	}
	_, err := u.conn.WriteToUDP(data, u.remote)
	return err
}

// Recv returns the next datagram dispatched to this flow by the shared
// listener, or blocks until ctx is done.
func (u *UDPConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-u.inbox:
		if !ok {
			return nil, ErrNoConnection
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *UDPConn) Close() error { return nil }

// Listener demultiplexes a single shared *net.UDPConn listen socket into
// per-flow inboxes, since UDP has no accept() and every peer shares one
// local socket.
type Listener struct {
	conn    *net.UDPConn
	inboxes map[string]chan []byte
	newFlow chan *UDPConn
}

// ListenUDP opens a UDP listen socket at addr and starts its dispatch loop.
func ListenUDP(addr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		conn:    conn,
		inboxes: make(map[string]chan []byte),
		newFlow: make(chan *UDPConn, 128),
	}
	go l.dispatchLoop()
	return l, nil
}

func (l *Listener) dispatchLoop() {
	buf := make([]byte, MaxFrameSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			close(l.newFlow)
			return
		}
		data := append([]byte(nil), buf[:n]...)
		key := addr.String()
		inbox, ok := l.inboxes[key]
		if !ok {
			inbox = make(chan []byte, 64)
			l.inboxes[key] = inbox
			l.newFlow <- NewUDPConn(l.conn, addr, inbox)
		}
		select {
		case inbox <- data:
		default:
			// Slow consumer; drop rather than block the shared read loop.
		}
	}
}

// Accept blocks until a UDP flow from a new source address is observed.
func (l *Listener) Accept(ctx context.Context) (*UDPConn, error) {
	select {
	case c, ok := <-l.newFlow:
		if !ok {
			return nil, ErrNoConnection
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Conn exposes the shared underlying socket so outbound-only flows (no
// prior inbound datagram) can be created without a second bind.
func (l *Listener) Conn() *net.UDPConn { return l.conn }

func (l *Listener) Close() error { return l.conn.Close() }

// SendUnbound opens a short-lived socket on an ephemeral port, sends one
// datagram, and closes it: the "unbound send" variant used for signed
// receipts and unbound request/reply.
func SendUnbound(ctx context.Context, remote string, data []byte, timeout time.Duration) error {
	if len(data) > MaxFrameSize {
		return ErrInvalidFraming
	}
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	_, err = conn.Write(data)
	return err
}
