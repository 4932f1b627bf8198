package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/drep-project/overlay/p2p/types"
)

// frameRead reads one length-prefixed frame: a 4-byte big-endian length
// followed by that many bytes. A length exceeding MaxFrameSize is reported
// as ErrInvalidFraming.
func frameRead(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrInvalidFraming
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func frameWrite(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrInvalidFraming
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// TCPConn adapts a raw *net.TCPConn (or a *tls.Conn for WSS-without-WS-framing
// use cases) to the Connection contract with length-prefixed framing.
type TCPConn struct {
	id   types.ConnectionID
	conn net.Conn
	flow types.Flow
	proto types.Protocol
}

// NewTCPConn wraps conn, already connected to remote, as a Connection.
func NewTCPConn(conn net.Conn, proto types.Protocol) *TCPConn {
	return &TCPConn{
		id:   NewConnectionID(),
		conn: conn,
		proto: proto,
		flow: types.Flow{
			Local:  conn.LocalAddr().String(),
			Remote: types.PeerAddress{Protocol: proto, Socket: conn.RemoteAddr().String()},
		},
	}
}

func (c *TCPConn) ID() types.ConnectionID  { return c.id }
func (c *TCPConn) Flow() types.Flow        { return c.flow }
func (c *TCPConn) Protocol() types.Protocol { return c.proto }

func (c *TCPConn) Send(ctx context.Context, data []byte) error {
	if err := withDeadline(ctx, c.conn); err != nil {
		return err
	}
	return frameWrite(c.conn, data)
}

func (c *TCPConn) Recv(ctx context.Context) ([]byte, error) {
	if err := withDeadline(ctx, c.conn); err != nil {
		return nil, err
	}
	return frameRead(c.conn)
}

func (c *TCPConn) Close() error { return c.conn.Close() }

// DialTCP opens a new TCP connection to addr.
func DialTCP(ctx context.Context, addr string) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn, types.ProtocolTCP), nil
}

// TCPListener wraps net.Listener for the connection manager's accept loop.
type TCPListener struct {
	ln net.Listener
}

func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept() (*TCPConn, net.IP, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, nil, err
	}
	return NewTCPConn(conn, types.ProtocolTCP), remoteIP(conn.RemoteAddr()), nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TCPListener) Close() error   { return l.ln.Close() }
