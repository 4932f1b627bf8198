// Package netman implements the network manager: the central pipeline that turns outbound RPC bodies into encrypted envelopes,
// decrypts and dispatches inbound ones, relays non-local traffic, and
// tracks per-peer/per-address transfer stats.
package netman

import (
	"context"
	"crypto/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/addrfilter"
	"github.com/drep-project/overlay/p2p/connmgr"
	pcrypto "github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/transport"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/sirupsen/logrus"
)

// PeerTable is the slice of the routing table the network manager needs:
// registering newly-seen senders and resolving a node id to its best known
// dial info / flow. routing.Table implements this.
type PeerTable interface {
	RegisterNode(id types.NodeID, flow types.Flow, versions types.VersionRange)
	PeerInfo(id types.NodeID) (types.PeerInfo, bool)
	BestFlow(id types.NodeID) (types.Flow, bool)
	BestDialInfo(id types.NodeID, proto types.Protocol) (types.DialInfo, bool)
	HasValidRelayLease(id types.NodeID) bool
	OurVersions() types.VersionRange
	RecordSendFailure(id types.NodeID)
	RecordLostAnswer(id types.NodeID)
}

// InboundSink is the RPC processor's inbound entry point. Defined here (not in package rpc) so rpc can depend
// on netman's Sender interface without creating an import cycle.
type InboundSink interface {
	EnqueueInbound(body []byte, source types.NodeID)
}

// RouteSender lets the route-spec store intercept an outbound send when the
// destination was selected as non-direct.
type RouteSender interface {
	SendOverRoute(ctx context.Context, dest types.NodeID, body []byte) (handled bool, err error)
}

// Manager is the envelope send/receive pipeline.
type Manager struct {
	self     types.NodeID
	kind     pcrypto.Cryptosystem
	secret   pcrypto.SecretKey
	public   pcrypto.PublicKey
	registry *pcrypto.Registry

	conns  *connmgr.Manager
	table  PeerTable
	filter *addrfilter.Filter
	sink   InboundSink
	routes RouteSender

	maxSkew time.Duration

	receipts *receiptManager
	stats    *statsTracker

	needsRestart bool
	observed     map[types.NodeID]types.PeerAddress
	mu           sync.RWMutex

	log *logrus.Entry
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	Self      types.NodeID
	Kind      pcrypto.Cryptosystem
	Secret    pcrypto.SecretKey
	Public    pcrypto.PublicKey
	Registry  *pcrypto.Registry
	Conns     *connmgr.Manager
	Table     PeerTable
	Filter    *addrfilter.Filter
	Sink      InboundSink
	Routes    RouteSender
	MaxSkew   time.Duration
	Log       *logrus.Entry
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	return &Manager{
		self:     cfg.Self,
		kind:     cfg.Kind,
		secret:   cfg.Secret,
		public:   cfg.Public,
		registry: cfg.Registry,
		conns:    cfg.Conns,
		table:    cfg.Table,
		filter:   cfg.Filter,
		sink:     cfg.Sink,
		routes:   cfg.Routes,
		maxSkew:  cfg.MaxSkew,
		receipts: newReceiptManager(),
		stats:    newStatsTracker(),
		observed: make(map[types.NodeID]types.PeerAddress),
		log:      cfg.Log,
	}
}

// NeedsRestart reports the needs-restart flag. Only RequestRestart sets it;
// nothing in this module reads it or restarts the network.
func (m *Manager) NeedsRestart() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.needsRestart
}

func (m *Manager) setNeedsRestart() {
	m.mu.Lock()
	m.needsRestart = true
	m.mu.Unlock()
}

// RequestRestart sets the needs-restart flag reported by NeedsRestart. The
// discovery package calls it when UPnP mapping fails completely.
func (m *Manager) RequestRestart() {
	m.setNeedsRestart()
}

// SetRoutes wires the route-spec store after construction, resolving the
// constructor cycle between netman (which routespec.Store needs as its
// Sender) and routespec (which Manager needs as its RouteSender).
func (m *Manager) SetRoutes(routes RouteSender) {
	m.mu.Lock()
	m.routes = routes
	m.mu.Unlock()
}

// ObservedAddress returns the remote socket address id's traffic was last
// seen arriving from, for use as an external-address sample by NAT class
// discovery.
func (m *Manager) ObservedAddress(id types.NodeID) (types.PeerAddress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.observed[id]
	return addr, ok
}

// peerPublicKey resolves dest's public key material for our kind, or an
// error if the peer doesn't advertise this kind.
func (m *Manager) peerPublicKey(dest types.NodeID) (pcrypto.PublicKey, error) {
	pi, ok := m.table.PeerInfo(dest)
	if !ok {
		return pcrypto.PublicKey{}, rpcerr.New(rpcerr.InvalidTarget, "unknown node")
	}
	for _, sni := range pi.Signed {
		if raw, ok := sni.NodeInfo.PublicKeys[m.kind.Kind()]; ok {
			return pcrypto.PublicKey{Sign: raw.Sign, DH: raw.DH}, nil
		}
	}
	return pcrypto.PublicKey{}, rpcerr.New(rpcerr.InvalidTarget, "peer does not support our cryptosystem kind")
}

// SendEnvelope builds and encrypts an envelope for dest carrying body,
// then dispatches it.
func (m *Manager) SendEnvelope(ctx context.Context, dest types.NodeID, body []byte) error {
	peerPub, err := m.peerPublicKey(dest)
	if err != nil {
		return err
	}
	shared, err := m.kind.DH(m.secret, peerPub)
	if err != nil {
		return rpcerr.Wrapf(rpcerr.Internal, err, "deriving shared secret")
	}
	nonce, err := m.kind.RandomNonce()
	if err != nil {
		return rpcerr.Wrapf(rpcerr.Internal, err, "generating nonce")
	}
	env := &pcrypto.Envelope{
		Version:   m.table.OurVersions().Max,
		Kind:      m.kind.Kind(),
		Timestamp: time.Now(),
		Nonce:     nonce,
		Sender:    m.self,
		Recipient: dest,
	}
	wire, err := pcrypto.Encode(m.kind, env, shared, body)
	if err != nil {
		return rpcerr.Wrapf(rpcerr.Internal, err, "encoding envelope")
	}
	return m.SendData(ctx, dest, wire)
}

// SendData tries the peer's most recently used connection first, falling
// back to its best dial info.
func (m *Manager) SendData(ctx context.Context, dest types.NodeID, data []byte) error {
	if handled, err := m.tryRoute(ctx, dest, data); handled {
		return err
	}
	if flow, ok := m.table.BestFlow(dest); ok {
		if err := m.sendToFlow(ctx, flow, data); err == nil {
			return nil
		}
	}
	di, ok := m.table.BestDialInfo(dest, types.ProtocolUDP)
	if !ok {
		di, ok = m.table.BestDialInfo(dest, types.ProtocolTCP)
	}
	if !ok {
		m.table.RecordSendFailure(dest)
		return rpcerr.New(rpcerr.NotConnected, "no dial info for destination")
	}
	return m.SendDataToDialInfo(ctx, dest, di, data)
}

func (m *Manager) tryRoute(ctx context.Context, dest types.NodeID, data []byte) (bool, error) {
	m.mu.RLock()
	routes := m.routes
	m.mu.RUnlock()
	if routes == nil {
		return false, nil
	}
	return routes.SendOverRoute(ctx, dest, data)
}

func (m *Manager) sendToFlow(ctx context.Context, flow types.Flow, data []byte) error {
	di, err := dialInfoFromSocket(flow.Remote.Protocol, flow.Remote.Socket)
	if err != nil {
		return err
	}
	conn, err := m.conns.GetOrCreate(ctx, di)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		return err
	}
	m.stats.recordSent(flow.Remote.Socket, len(data))
	return nil
}

// dialInfoFromSocket reconstructs a DialInfo from a "host:port" flow socket,
// used when reusing an already-established flow rather than a freshly
// resolved dial info from the routing table.
func dialInfoFromSocket(proto types.Protocol, socket string) (types.DialInfo, error) {
	host, portStr, err := net.SplitHostPort(socket)
	if err != nil {
		return types.DialInfo{}, rpcerr.Wrapf(rpcerr.InvalidArgument, err, "parsing flow socket")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return types.DialInfo{}, rpcerr.New(rpcerr.InvalidArgument, "invalid flow host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.DialInfo{}, rpcerr.Wrapf(rpcerr.InvalidArgument, err, "parsing flow port")
	}
	return types.DialInfo{Protocol: proto, Address: ip, Port: uint16(port)}, nil
}

// SendDataToDialInfo opens or reuses a connection to di through the
// connection manager and sends data.
func (m *Manager) SendDataToDialInfo(ctx context.Context, dest types.NodeID, di types.DialInfo, data []byte) error {
	conn, err := m.conns.GetOrCreate(ctx, di)
	if err != nil {
		m.table.RecordSendFailure(dest)
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		m.table.RecordSendFailure(dest)
		return err
	}
	m.stats.recordSent(di.SocketAddr(), len(data))
	return nil
}

// SendDataUnboundToDialInfo is the one-shot unbound send variant,
// bypassing the connection table entirely.
func (m *Manager) SendDataUnboundToDialInfo(ctx context.Context, di types.DialInfo, data []byte) error {
	if di.Protocol != types.ProtocolUDP {
		return rpcerr.New(rpcerr.InvalidArgument, "unbound send only supported over UDP")
	}
	return transport.SendUnbound(ctx, di.SocketAddr(), data, 5*time.Second)
}

// OnRecvBytes implements connmgr.Deliverer; it is the entry point every
// receive pump calls, and forwards to OnRecvEnvelope.
func (m *Manager) OnRecvBytes(flow types.Flow, data []byte) {
	m.OnRecvEnvelope(data, flow)
}

// OnRecvEnvelope handles one inbound wire message: receipt dispatch, relay
// forwarding for foreign recipients, then decrypt-and-dispatch for our
// own. It reports whether the message was processed locally.
func (m *Manager) OnRecvEnvelope(data []byte, flow types.Flow) bool {
	if pcrypto.IsReceipt(data) {
		m.handleReceipt(data)
		return true
	}

	env, cs, err := pcrypto.DecodeHeader(m.registry, data)
	if err != nil {
		m.log.WithError(err).Debug("dropping malformed envelope")
		return false
	}
	if env.Sender.IsZero() || env.Recipient.IsZero() {
		return false
	}

	if env.Recipient != m.self {
		if !m.table.HasValidRelayLease(env.Sender) && !m.table.HasValidRelayLease(env.Recipient) {
			return false
		}
		if di, ok := m.table.BestDialInfo(env.Recipient, flow.Remote.Protocol); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.SendDataToDialInfo(ctx, env.Recipient, di, data)
			cancel()
		}
		return false
	}

	if !env.WithinSkew(time.Now(), m.maxSkew) {
		m.log.Debug("dropping envelope outside timestamp skew window")
		return false
	}

	peerPub, err := m.peerPublicKey(env.Sender)
	if err != nil {
		// Treated like a decryption failure: silently drop, never punish.
		return false
	}
	shared, err := cs.DH(m.secret, peerPub)
	if err != nil {
		return false
	}
	body, err := env.Open(cs, shared)
	if err != nil {
		// Decryption failures are silent drops, never punishments.
		return false
	}

	m.table.RegisterNode(env.Sender, flow, types.VersionRange{Min: env.Version, Max: env.Version})
	m.stats.recordReceived(flow.Remote.Socket, len(data))
	m.mu.Lock()
	m.observed[env.Sender] = flow.Remote
	m.mu.Unlock()
	m.sink.EnqueueInbound(body, env.Sender)
	return true
}

// GenerateReceipt builds, signs and records a Receipt, returning its wire
// bytes.
func (m *Manager) GenerateReceipt(extra []byte, expiration time.Duration, expectedReturns int, onReceipt func([]byte)) ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	r := &pcrypto.Receipt{Version: 1, Nonce: nonce, NodeID: m.self, ExtraData: extra}
	sig, err := m.kind.Sign(m.secret, r.SigningBytes())
	if err != nil {
		return nil, err
	}
	r.Signature = sig
	m.receipts.record(string(nonce), expiration, expectedReturns, onReceipt)
	return r.Encode(), nil
}

func (m *Manager) handleReceipt(data []byte) {
	r, err := pcrypto.DecodeReceipt(data)
	if err != nil {
		return
	}
	m.receipts.onReceived(string(r.Nonce), r.ExtraData)
}
