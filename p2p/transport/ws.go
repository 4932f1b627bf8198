// WS/WSS adapters built on gorilla/websocket rather than a hand-rolled
// upgrade handshake.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/gorilla/websocket"
)

// WSConn adapts a *websocket.Conn to the Connection contract. Binary frames
// map 1:1 onto envelope-sized messages, so framing errors surface as
// gorilla's own close/protocol errors rather than a length-prefix mismatch.
type WSConn struct {
	id    types.ConnectionID
	conn  *websocket.Conn
	flow  types.Flow
	proto types.Protocol
}

func newWSConn(conn *websocket.Conn, proto types.Protocol) *WSConn {
	return &WSConn{
		id:    NewConnectionID(),
		conn:  conn,
		proto: proto,
		flow: types.Flow{
			Local:  conn.LocalAddr().String(),
			Remote: types.PeerAddress{Protocol: proto, Socket: conn.RemoteAddr().String()},
		},
	}
}

func (w *WSConn) ID() types.ConnectionID   { return w.id }
func (w *WSConn) Flow() types.Flow         { return w.flow }
func (w *WSConn) Protocol() types.Protocol { return w.proto }

func (w *WSConn) Send(ctx context.Context, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrInvalidFraming
	}
	if dl, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(dl)
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WSConn) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		w.conn.SetReadDeadline(dl)
	}
	kind, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage || len(data) > MaxFrameSize {
		return nil, ErrInvalidFraming
	}
	return data, nil
}

func (w *WSConn) Close() error { return w.conn.Close() }

var wsDialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// DialWS opens a ws:// connection to u.
func DialWS(ctx context.Context, u string) (*WSConn, error) {
	conn, _, err := wsDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, types.ProtocolWS), nil
}

// DialWSS opens a wss:// connection to u over TLS.
func DialWSS(ctx context.Context, u string, tlsCfg *tls.Config) (*WSConn, error) {
	dialer := wsDialer
	dialer.TLSClientConfig = tlsCfg
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, types.ProtocolWSS), nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  MaxFrameSize,
	WriteBufferSize: MaxFrameSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSListener accepts inbound WS/WSS connections on an HTTP(S) server at
// Path.
type WSListener struct {
	ln     net.Listener
	path   string
	proto  types.Protocol
	accept chan acceptResult
	server *http.Server
}

type acceptResult struct {
	conn *WSConn
	ip   net.IP
}

// ListenWS starts an HTTP server accepting WS upgrades at addr+path.
func ListenWS(addr, path string) (*WSListener, error) {
	return listenWS(addr, path, nil, types.ProtocolWS)
}

// ListenWSS starts an HTTPS server (via tlsConfig) accepting WSS upgrades.
func ListenWSS(addr, path string, tlsConfig *tls.Config) (*WSListener, error) {
	return listenWS(addr, path, tlsConfig, types.ProtocolWSS)
}

func listenWS(addr, path string, tlsConfig *tls.Config, proto types.Protocol) (*WSListener, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	l := &WSListener{ln: ln, path: path, proto: proto, accept: make(chan acceptResult, 64)}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}
	go l.server.Serve(ln)
	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.accept <- acceptResult{conn: newWSConn(conn, l.proto), ip: remoteIP(conn.RemoteAddr())}
}

func (l *WSListener) Accept(ctx context.Context) (*WSConn, net.IP, error) {
	select {
	case r := <-l.accept:
		return r.conn, r.ip, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }
func (l *WSListener) Close() error   { return l.ln.Close() }

// ParseWSURL validates a ws(s):// URL the way dial info's URL field is
// expected to be shaped.
func ParseWSURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}
