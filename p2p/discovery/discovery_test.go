package discovery

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func randomNodeID(seed byte) types.NodeID {
	var id types.NodeID
	for i := range id {
		id[i] = seed
	}
	return id
}

// network is a shared fake standing in for every cross-manager dependency:
// RPC dispatch routes status/validate_dial_info requests directly to the
// destination Manager's handlers, address observation is simulated by a
// fixed table, and receipts are matched by opaque id rather than delivered
// over a real socket.
type network struct {
	mu         sync.Mutex
	managers   map[types.NodeID]*Manager
	observed   map[types.NodeID]types.PeerAddress
	unreach    map[string]bool        // socket addresses that silently drop reachback sends
	unreachVia map[types.NodeID]bool // peer ids whose own dial-back attempts silently fail
	pendingMu  sync.Mutex
	pending    map[string]func([]byte)
}

func newNetwork() *network {
	return &network{
		managers:   make(map[types.NodeID]*Manager),
		observed:   make(map[types.NodeID]types.PeerAddress),
		unreach:    make(map[string]bool),
		unreachVia: make(map[types.NodeID]bool),
		pending:    make(map[string]func([]byte)),
	}
}

// dispatch routes an RPC as if it were sent by caller, to dest.
func (n *network) dispatch(ctx context.Context, caller, dest types.NodeID, op rpc.Operation, payload []byte) ([]byte, error) {
	n.mu.Lock()
	m, ok := n.managers[dest]
	n.mu.Unlock()
	if !ok {
		return nil, rpcErrUnreachable
	}
	switch op {
	case rpc.OpStatus:
		return m.handleStatus(ctx, caller, payload)
	case rpc.OpValidateDialInfo:
		return m.handleValidateDialInfo(ctx, caller, payload)
	default:
		return nil, rpcErrUnreachable
	}
}

// networkClient adapts the shared network to rpc.Processor's SendRequest
// contract for one specific calling Manager, so the destination's handler
// sees the right source node id.
type networkClient struct {
	net  *network
	self types.NodeID
}

func (c networkClient) SendRequest(ctx context.Context, dest types.NodeID, op rpc.Operation, payload []byte) ([]byte, error) {
	return c.net.dispatch(ctx, c.self, dest, op, payload)
}

func (c networkClient) Handle(op rpc.Operation, h rpc.Handler) {}

// fixedObserver answers every status request with the same canned address,
// standing in for the specific validator's own (incoming socket -> peer)
// observation table.
type fixedObserver struct {
	net  *network
	self types.NodeID
}

func (o fixedObserver) ObservedAddress(id types.NodeID) (types.PeerAddress, bool) {
	o.net.mu.Lock()
	defer o.net.mu.Unlock()
	addr, ok := o.net.observed[o.self]
	return addr, ok
}

// networkProber performs the actual "dial-back" on behalf of one specific
// manager, so unreachVia can model one peer's outbound probes silently
// failing (e.g. the address-vs-port-restricted distinguisher) independent
// of which target socket is being probed.
type networkProber struct {
	net  *network
	self types.NodeID
}

func (p networkProber) SendDataUnboundToDialInfo(ctx context.Context, di types.DialInfo, data []byte) error {
	p.net.mu.Lock()
	blocked := p.net.unreachVia[p.self] || p.net.unreach[di.SocketAddr()]
	p.net.mu.Unlock()
	if blocked {
		return nil
	}
	p.net.pendingMu.Lock()
	cb, ok := p.net.pending[string(data)]
	if ok {
		delete(p.net.pending, string(data))
	}
	p.net.pendingMu.Unlock()
	if ok {
		cb(nil)
	}
	return nil
}

func (p networkProber) GenerateReceipt(extra []byte, expiration time.Duration, expectedReturns int, onReceipt func([]byte)) ([]byte, error) {
	id := make([]byte, 8)
	_, _ = rand.Read(id)
	p.net.pendingMu.Lock()
	p.net.pending[string(id)] = onReceipt
	p.net.pendingMu.Unlock()
	return id, nil
}

func (p networkProber) RequestRestart() {}

type errString string

func (e errString) Error() string { return string(e) }

var rpcErrUnreachable = errString("discovery test: unreachable peer")

// fakeFinder returns a fixed candidate set and optional per-peer info.
type fakeFinder struct {
	candidates []types.NodeID
}

func (f fakeFinder) SelectValidators(limit int) []types.NodeID {
	if limit > 0 && len(f.candidates) > limit {
		return f.candidates[:limit]
	}
	return f.candidates
}

func (f fakeFinder) PeerInfo(id types.NodeID) (types.PeerInfo, bool) {
	return types.PeerInfo{}, false
}

func newTestManager(n *network, self types.NodeID, candidates []types.NodeID, localAddrs []net.IP, listenPort uint16, cfg config.DiscoveryConfig) *Manager {
	m := New(Config{
		Self:       self,
		Finder:     fakeFinder{candidates: candidates},
		Client:     networkClient{net: n, self: self},
		Observer:   fixedObserver{net: n, self: self},
		Prober:     networkProber{net: n, self: self},
		Restarter:  networkProber{net: n, self: self},
		LocalAddrs: localAddrs,
		ListenPort: listenPort,
		Protocol:   types.ProtocolUDP,
		Discovery:  cfg,
		DHT:        config.DHTConfig{ValidateDialInfoReceiptTimeMS: 2 * time.Second},
		Log:        testLog(),
	})
	n.mu.Lock()
	n.managers[self] = m
	n.mu.Unlock()
	return m
}

func setObserved(n *network, id types.NodeID, socket string) {
	n.mu.Lock()
	n.observed[id] = types.PeerAddress{Protocol: types.ProtocolUDP, Socket: socket}
	n.mu.Unlock()
}

func TestStatusResponseCodecRoundTrip(t *testing.T) {
	addr := types.PeerAddress{Protocol: types.ProtocolUDP, Socket: "203.0.113.4:5150"}
	encoded := encodeStatusResponse(addr)
	decoded, ok, err := decodeStatusResponse(encoded)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, addr, decoded)
}

func TestStatusResponseCodecNotFound(t *testing.T) {
	decoded, ok, err := decodeStatusResponse([]byte{0})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, types.PeerAddress{}, decoded)
}

func TestValidateDialInfoRequestCodecRoundTrip(t *testing.T) {
	req := validateDialInfoRequest{
		TargetDialInfo: types.DialInfo{Protocol: types.ProtocolUDP, Address: net.ParseIP("203.0.113.4"), Port: 5150},
		Redirect:       true,
		FromRandomPort: true,
		Receipt:        []byte{1, 2, 3, 4},
	}
	decoded, err := decodeValidateDialInfoRequest(encodeValidateDialInfoRequest(req))
	require.NoError(t, err)
	require.Equal(t, req.Redirect, decoded.Redirect)
	require.Equal(t, req.FromRandomPort, decoded.FromRandomPort)
	require.Equal(t, req.Receipt, decoded.Receipt)
	require.True(t, req.TargetDialInfo.Address.Equal(decoded.TargetDialInfo.Address))
	require.Equal(t, req.TargetDialInfo.Port, decoded.TargetDialInfo.Port)
}

func TestConsistentTupleAgreement(t *testing.T) {
	samples := []addressSample{
		{from: randomNodeID(1), address: types.PeerAddress{Socket: "203.0.113.4:5150"}},
		{from: randomNodeID(2), address: types.PeerAddress{Socket: "203.0.113.4:5150"}},
		{from: randomNodeID(3), address: types.PeerAddress{Socket: "203.0.113.4:5150"}},
	}
	group, tuple, ok := consistentTuple(samples)
	require.True(t, ok)
	require.Equal(t, "203.0.113.4:5150", tuple)
	require.Len(t, group, 3)
}

func TestConsistentTupleDisagreement(t *testing.T) {
	samples := []addressSample{
		{from: randomNodeID(1), address: types.PeerAddress{Socket: "203.0.113.4:5150"}},
		{from: randomNodeID(2), address: types.PeerAddress{Socket: "203.0.113.5:6001"}},
	}
	_, _, ok := consistentTuple(samples)
	require.False(t, ok)
}

func TestSortPreferringLocalPort(t *testing.T) {
	samples := []addressSample{
		{from: randomNodeID(1), address: types.PeerAddress{Socket: "203.0.113.4:9999"}},
		{from: randomNodeID(2), address: types.PeerAddress{Socket: "203.0.113.4:5150"}},
	}
	sortPreferringLocalPort(samples, 5150)
	require.Equal(t, "203.0.113.4:5150", samples[0].address.Socket)
}

func TestMatchesLocalInterface(t *testing.T) {
	n := newNetwork()
	local := net.ParseIP("192.168.1.5")
	m := newTestManager(n, randomNodeID(1), nil, []net.IP{local}, 5150, config.DefaultDiscoveryConfig())
	samples := []addressSample{{from: randomNodeID(2), address: types.PeerAddress{Socket: "192.168.1.5:5150"}}}
	di, ok := m.matchesLocalInterface(samples)
	require.True(t, ok)
	require.Equal(t, uint16(5150), di.Port)
}

func TestDetectDirectClass(t *testing.T) {
	n := newNetwork()
	self := randomNodeID(1)
	peers := []types.NodeID{randomNodeID(2), randomNodeID(3), randomNodeID(4), randomNodeID(5), randomNodeID(6)}
	for _, p := range peers {
		newTestManager(n, p, peers, nil, 5150, config.DefaultDiscoveryConfig())
		// Every validator reports seeing `self` arriving from our own local
		// address: the no-NAT case.
		setObserved(n, p, "10.0.0.1:5150")
	}
	localCfg := config.DefaultDiscoveryConfig()
	localCfg.UPnP = false
	m := newTestManager(n, self, peers, []net.IP{net.ParseIP("10.0.0.1")}, 5150, localCfg)

	class, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ClassDirect, class)
}

func TestDetectBlockedClass(t *testing.T) {
	n := newNetwork()
	self := randomNodeID(1)
	peers := []types.NodeID{randomNodeID(2), randomNodeID(3), randomNodeID(4), randomNodeID(5), randomNodeID(6)}
	for _, p := range peers {
		newTestManager(n, p, peers, nil, 5150, config.DefaultDiscoveryConfig())
		setObserved(n, p, "10.0.0.1:5150")
	}
	n.unreach["10.0.0.1:5150"] = true
	localCfg := config.DefaultDiscoveryConfig()
	localCfg.UPnP = false
	m := newTestManager(n, self, peers, []net.IP{net.ParseIP("10.0.0.1")}, 5150, localCfg)

	class, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ClassBlocked, class)
}

func TestDetectSymmetricNAT(t *testing.T) {
	n := newNetwork()
	self := randomNodeID(1)
	peers := []types.NodeID{randomNodeID(2), randomNodeID(3), randomNodeID(4), randomNodeID(5), randomNodeID(6)}
	sockets := []string{"203.0.113.1:4001", "203.0.113.1:4002", "203.0.113.1:4003", "203.0.113.1:4004", "203.0.113.1:4005"}
	for i, p := range peers {
		newTestManager(n, p, peers, nil, 5150, config.DefaultDiscoveryConfig())
		setObserved(n, p, sockets[i])
	}
	localCfg := config.DefaultDiscoveryConfig()
	localCfg.UPnP = false
	m := newTestManager(n, self, peers, nil, 5150, localCfg)

	class, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ClassSymmetricNAT, class)
}

func TestDetectFullConeNAT(t *testing.T) {
	n := newNetwork()
	self := randomNodeID(1)
	peers := []types.NodeID{randomNodeID(2), randomNodeID(3), randomNodeID(4), randomNodeID(5), randomNodeID(6)}
	for _, p := range peers {
		newTestManager(n, p, peers, nil, 5150, config.DefaultDiscoveryConfig())
		setObserved(n, p, "203.0.113.9:6150")
	}
	localCfg := config.DefaultDiscoveryConfig()
	localCfg.UPnP = false
	localCfg.RestrictedNATRetries = 1
	m := newTestManager(n, self, peers, nil, 5150, localCfg)

	class, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ClassFullConeNAT, class)
}

func TestDetectAddressRestrictedNAT(t *testing.T) {
	n := newNetwork()
	self := randomNodeID(1)
	peers := []types.NodeID{randomNodeID(2), randomNodeID(3), randomNodeID(4), randomNodeID(5), randomNodeID(6)}
	for _, p := range peers {
		newTestManager(n, p, peers, nil, 5150, config.DefaultDiscoveryConfig())
		setObserved(n, p, "203.0.113.9:6150")
	}
	// The full-cone redirect resolves to peers[0] dialing itself back, so
	// making only that peer's own dial-backs fail forces probe (a) to fail
	// while leaving peers[1]'s direct probe (b) reachable -> AddressRestricted.
	n.mu.Lock()
	n.unreachVia[peers[0]] = true
	n.mu.Unlock()
	localCfg := config.DefaultDiscoveryConfig()
	localCfg.UPnP = false
	localCfg.RestrictedNATRetries = 1
	m := newTestManager(n, self, peers, nil, 5150, localCfg)

	class, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ClassAddressRestrictedNAT, class)
}

func TestDetectPortRestrictedNAT(t *testing.T) {
	n := newNetwork()
	self := randomNodeID(1)
	peers := []types.NodeID{randomNodeID(2), randomNodeID(3), randomNodeID(4), randomNodeID(5), randomNodeID(6)}
	for _, p := range peers {
		newTestManager(n, p, peers, nil, 5150, config.DefaultDiscoveryConfig())
		setObserved(n, p, "203.0.113.9:6150")
	}
	// Both probe (a)'s self-redirect target (peers[0]) and probe (b)'s
	// direct target (peers[1]) have their own dial-backs fail -> neither
	// full-cone nor address-restricted reachability can be confirmed.
	n.mu.Lock()
	n.unreachVia[peers[0]] = true
	n.unreachVia[peers[1]] = true
	n.mu.Unlock()
	localCfg := config.DefaultDiscoveryConfig()
	localCfg.UPnP = false
	localCfg.RestrictedNATRetries = 1
	m := newTestManager(n, self, peers, nil, 5150, localCfg)

	class, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ClassPortRestrictedNAT, class)
}
