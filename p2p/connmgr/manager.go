// Package connmgr owns the connection table and the accept loop per
// listener: a long-running run loop plus one cooperative receive-pump
// goroutine per connection, all stoppable through one shared quit channel.
package connmgr

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/p2p/addrfilter"
	"github.com/drep-project/overlay/p2p/conntable"
	"github.com/drep-project/overlay/p2p/transport"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/sirupsen/logrus"
)

// Deliverer receives decoded wire messages off a connection's receive pump.
// netman.Manager implements this; keeping it an interface avoids an import
// cycle between connmgr and netman.
type Deliverer interface {
	OnRecvBytes(flow types.Flow, data []byte)
}

// connRecord wraps a transport.Connection with the conntable.Conn contract
// so the connection table can track it and close it on eviction.
type connRecord struct {
	transport.Connection
}

func (c *connRecord) ID() types.ConnectionID { return c.Connection.ID() }
func (c *connRecord) Flow() types.Flow       { return c.Connection.Flow() }

// Manager owns the listeners, the connection table, and one receive pump
// per tracked connection.
type Manager struct {
	cfg    config.ConnectionConfig
	filter *addrfilter.Filter
	table  *conntable.Table
	log    *logrus.Entry
	deliver Deliverer

	mu        sync.Mutex
	running   bool
	quit      chan struct{}
	wg        sync.WaitGroup

	tcpListener *transport.TCPListener
	udpListener *transport.Listener
	wsListener  *transport.WSListener
	wssListener *transport.WSListener
}

// New builds a Manager. deliver receives every message read off any tracked
// connection, in receive order per connection.
func New(cfg config.ConnectionConfig, filter *addrfilter.Filter, deliver Deliverer, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:     cfg,
		filter:  filter,
		table:   conntable.New(cfg.MaxConnections),
		deliver: deliver,
		log:     log,
		quit:    make(chan struct{}),
	}
}

// Table exposes the underlying connection table, e.g. for protecting the
// connections backing an active relay lease.
func (m *Manager) Table() *conntable.Table { return m.table }

// SetDeliverer wires the message sink after construction, resolving the
// constructor cycle between connmgr (whose pumps need a Deliverer) and
// netman (whose Manager needs this connection manager). Must be called
// before any listener is started.
func (m *Manager) SetDeliverer(d Deliverer) {
	m.mu.Lock()
	m.deliver = d
	m.mu.Unlock()
}

// UDPListenAddr returns the local address of the shared UDP socket, or nil
// if ListenUDP was never called.
func (m *Manager) UDPListenAddr() *net.UDPAddr {
	if m.udpListener == nil {
		return nil
	}
	addr, _ := m.udpListener.LocalAddr().(*net.UDPAddr)
	return addr
}

// ListenTCP starts accepting inbound TCP connections at addr.
func (m *Manager) ListenTCP(addr string) error {
	ln, err := transport.ListenTCP(addr)
	if err != nil {
		return err
	}
	m.tcpListener = ln
	m.wg.Add(1)
	go m.acceptTCPLoop(ln)
	return nil
}

// ListenUDP starts the shared UDP socket and its flow-dispatch loop.
func (m *Manager) ListenUDP(addr string) error {
	ln, err := transport.ListenUDP(addr)
	if err != nil {
		return err
	}
	m.udpListener = ln
	m.wg.Add(1)
	go m.acceptUDPLoop(ln)
	return nil
}

// ListenWS starts an inbound WS listener.
func (m *Manager) ListenWS(addr, path string) error {
	ln, err := transport.ListenWS(addr, path)
	if err != nil {
		return err
	}
	m.wsListener = ln
	m.wg.Add(1)
	go m.acceptWSLoop(ln)
	return nil
}

// ListenWSS starts an inbound WSS listener behind tlsCfg.
func (m *Manager) ListenWSS(addr, path string, tlsCfg *tls.Config) error {
	ln, err := transport.ListenWSS(addr, path, tlsCfg)
	if err != nil {
		return err
	}
	m.wssListener = ln
	m.wg.Add(1)
	go m.acceptWSLoop(ln)
	return nil
}

func (m *Manager) acceptTCPLoop(ln *transport.TCPListener) {
	defer m.wg.Done()
	for {
		conn, ip, err := ln.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
				m.log.WithError(err).Warn("tcp accept failed")
				continue
			}
		}
		m.handleInbound(conn, ip)
	}
}

func (m *Manager) acceptUDPLoop(ln *transport.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		ip := remoteHostIP(conn.Flow().Remote.Socket)
		if !m.handleInbound(conn, ip) {
			continue
		}
		m.wg.Add(1)
		go m.receivePump(conn)
	}
}

func (m *Manager) acceptWSLoop(ln *transport.WSListener) {
	defer m.wg.Done()
	for {
		conn, ip, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		m.handleInbound(conn, ip)
	}
}

func remoteHostIP(socket string) net.IP {
	host, _, err := net.SplitHostPort(socket)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// handleInbound runs the accept sequence: peek the source IP through the
// address filter, then register and pump the connection. It reports
// whether the connection was accepted. UDP connections are registered for
// filtering purposes only; UDP sends never go through the connection
// table, so their pump is started by acceptUDPLoop rather than here.
func (m *Manager) handleInbound(conn transport.Connection, ip net.IP) bool {
	if ip != nil {
		if err := m.filter.AddConnection(ip, time.Now()); err != nil {
			conn.Close()
			return false
		}
	}
	if conn.Protocol() == types.ProtocolUDP {
		return true
	}
	if err := m.table.Insert(&connRecord{conn}); err != nil {
		conn.Close()
		if ip != nil {
			m.filter.RemoveConnection(ip)
		}
		return false
	}
	m.wg.Add(1)
	go m.receivePump(conn)
	return true
}

// receivePump is the cooperative per-connection task: it
// reads messages and hands them to the deliverer until stopped, timed out,
// closed, or it observes invalid framing (which punishes the remote IP).
func (m *Manager) receivePump(conn transport.Connection) {
	defer m.wg.Done()
	defer m.cleanupConnection(conn)

	inactivity := m.cfg.InactivityTimeout
	for {
		ctx, cancel := context.WithTimeout(context.Background(), inactivity)
		data, err := conn.Recv(ctx)
		cancel()
		if err != nil {
			if err == transport.ErrInvalidFraming {
				if ip := remoteHostIP(conn.Flow().Remote.Socket); ip != nil {
					m.filter.PunishIP(ip, time.Now())
				}
			}
			return
		}
		select {
		case <-m.quit:
			return
		default:
		}
		m.deliver.OnRecvBytes(conn.Flow(), data)
	}
}

func (m *Manager) cleanupConnection(conn transport.Connection) {
	conn.Close()
	m.table.Remove(conn.ID())
	if ip := remoteHostIP(conn.Flow().Remote.Socket); ip != nil {
		m.filter.RemoveConnection(ip)
	}
}

// GetOrCreate is the outbound path: reuse an
// existing flow if alive, otherwise dial a fresh connection and register it
// (UDP connections are handed back without touching the connection table).
func (m *Manager) GetOrCreate(ctx context.Context, di types.DialInfo) (transport.Connection, error) {
	flow := types.Flow{Remote: types.PeerAddress{Protocol: di.Protocol, Socket: di.SocketAddr()}}
	if c, ok := m.table.ByFlow(flow); ok {
		m.table.Touch(c.ID())
		return c.(*connRecord).Connection, nil
	}

	switch di.Protocol {
	case types.ProtocolUDP:
		return m.dialUDP(di)
	case types.ProtocolTCP:
		conn, err := transport.DialTCP(ctx, di.SocketAddr())
		if err != nil {
			return nil, err
		}
		if err := m.table.Insert(&connRecord{conn}); err != nil {
			conn.Close()
			return nil, err
		}
		m.wg.Add(1)
		go m.receivePump(conn)
		return conn, nil
	case types.ProtocolWS:
		conn, err := transport.DialWS(ctx, di.URL)
		if err != nil {
			return nil, err
		}
		if err := m.table.Insert(&connRecord{conn}); err != nil {
			conn.Close()
			return nil, err
		}
		m.wg.Add(1)
		go m.receivePump(conn)
		return conn, nil
	case types.ProtocolWSS:
		conn, err := transport.DialWSS(ctx, di.URL, nil)
		if err != nil {
			return nil, err
		}
		if err := m.table.Insert(&connRecord{conn}); err != nil {
			conn.Close()
			return nil, err
		}
		m.wg.Add(1)
		go m.receivePump(conn)
		return conn, nil
	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unsupported protocol")
	}
}

func (m *Manager) dialUDP(di types.DialInfo) (transport.Connection, error) {
	if m.udpListener == nil {
		return nil, rpcerr.New(rpcerr.NotConnected, "no udp listener configured")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", di.SocketAddr())
	if err != nil {
		return nil, err
	}
	conn := transport.NewUDPConn(m.udpListener.Conn(), udpAddr, make(chan []byte, 64))
	return conn, nil
}

// Start marks the manager running; listeners are started individually via
// ListenTCP/ListenUDP/ListenWS/ListenWSS before or after calling Start.
func (m *Manager) Start() {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
}

// Stop closes the quit channel and the listeners, then waits for every accept loop and
// receive pump to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
	} else {
		close(m.quit)
		m.running = false
		m.mu.Unlock()
	}
	if m.tcpListener != nil {
		m.tcpListener.Close()
	}
	if m.udpListener != nil {
		m.udpListener.Close()
	}
	if m.wsListener != nil {
		m.wsListener.Close()
	}
	if m.wssListener != nil {
		m.wssListener.Close()
	}
	m.wg.Wait()
}
