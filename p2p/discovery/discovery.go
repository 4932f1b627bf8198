// Package discovery implements periodic NAT class detection and UPnP port
// mapping. It runs on a ticker while the node's NAT class is unknown,
// sampling external-address reports from other peers over the status RPC
// and confirming reachability with validate_dial_info reachback probes.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/sirupsen/logrus"
)

// Finder is the slice of routing.Table discovery needs to pick address-
// sampling and reachback-probe candidates.
type Finder interface {
	SelectValidators(limit int) []types.NodeID
	PeerInfo(id types.NodeID) (types.PeerInfo, bool)
}

// RPCClient is the slice of rpc.Processor discovery needs to issue status
// and validate_dial_info requests and answer them.
type RPCClient interface {
	SendRequest(ctx context.Context, dest types.NodeID, op rpc.Operation, payload []byte) ([]byte, error)
	Handle(op rpc.Operation, h rpc.Handler)
}

// AddressObserver is the slice of netman.Manager that reports the last
// socket address traffic from a peer was observed arriving from, used to
// answer status requests.
type AddressObserver interface {
	ObservedAddress(id types.NodeID) (types.PeerAddress, bool)
}

// Prober is the slice of netman.Manager needed to perform the actual
// connect-back/reachback sends validate_dial_info triggers.
type Prober interface {
	SendDataUnboundToDialInfo(ctx context.Context, di types.DialInfo, data []byte) error
	GenerateReceipt(extra []byte, expiration time.Duration, expectedReturns int, onReceipt func([]byte)) ([]byte, error)
}

// Restarter lets discovery set the network manager's needs-restart flag
// when UPnP mapping fails completely.
type Restarter interface {
	RequestRestart()
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	Self   types.NodeID
	Finder Finder
	Client RPCClient

	Observer  AddressObserver
	Prober    Prober
	Restarter Restarter

	// LocalAddrs are this node's own listening interface addresses, used to
	// recognize the no-NAT case (observed address is one of our own).
	LocalAddrs []net.IP
	// ListenPort is the local port we listen on for the protocol being
	// probed, used to prefer port-matching samples.
	ListenPort uint16
	Protocol   types.Protocol

	Discovery config.DiscoveryConfig
	DHT       config.DHTConfig

	Log *logrus.Entry
}

// Manager is the NAT class discovery component.
type Manager struct {
	self      types.NodeID
	finder    Finder
	client    RPCClient
	observer  AddressObserver
	prober    Prober
	restarter Restarter

	localAddrs []net.IP
	listenPort uint16
	protocol   types.Protocol

	cfg config.DiscoveryConfig
	dht config.DHTConfig
	log *logrus.Entry

	mu       sync.RWMutex
	class    types.DialInfoClass
	known    bool
	upnp     *upnpMapper
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Manager from cfg and registers its RPC handlers.
func New(cfg Config) *Manager {
	m := &Manager{
		self:       cfg.Self,
		finder:     cfg.Finder,
		client:     cfg.Client,
		observer:   cfg.Observer,
		prober:     cfg.Prober,
		restarter:  cfg.Restarter,
		localAddrs: cfg.LocalAddrs,
		listenPort: cfg.ListenPort,
		protocol:   cfg.Protocol,
		cfg:        cfg.Discovery,
		dht:        cfg.DHT,
		log:        cfg.Log,
		stopCh:     make(chan struct{}),
	}
	m.registerHandlers()
	return m
}

// NATClass reports the most recently detected class, and whether any
// detection round has completed yet.
func (m *Manager) NATClass() (types.DialInfoClass, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.class, m.known
}

func (m *Manager) setClass(c types.DialInfoClass) {
	m.mu.Lock()
	m.class = c
	m.known = true
	m.mu.Unlock()
}

// Start runs the periodic detection loop: it re-probes every period until
// a detection round succeeds; once a class is known, later ticks do not
// probe again.
func (m *Manager) Start(ctx context.Context, period time.Duration) {
	m.wg.Add(1)
	go m.run(ctx, period)
}

func (m *Manager) run(ctx context.Context, period time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			_, known := m.NATClass()
			if known {
				continue
			}
			class, err := m.Detect(ctx)
			if err != nil {
				m.log.WithError(err).Debug("nat class detection round failed")
				continue
			}
			m.setClass(class)
			m.log.WithField("class", class).Info("nat class detected")
			if needsRelay(class) {
				// Relay selection itself is the routing table's job; it
				// observes the class through NATClass on its next
				// contact-method resolution pass.
				m.log.WithField("class", class).Info("inbound class requires a relay")
			}
		}
	}
}

// Stop halts the periodic loop and any running UPnP renewal.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.RLock()
	upnp := m.upnp
	m.mu.RUnlock()
	if upnp != nil {
		upnp.stop()
	}
	m.wg.Wait()
}

// needsRelay reports whether class requires the routing table to select a
// relay.
func needsRelay(class types.DialInfoClass) bool {
	switch class {
	case types.ClassBlocked, types.ClassSymmetricNAT:
		return true
	default:
		return false
	}
}
