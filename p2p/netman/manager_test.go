package netman

import (
	"context"
	"testing"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/p2p/addrfilter"
	"github.com/drep-project/overlay/p2p/connmgr"
	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeTable is a minimal PeerTable double backing SendEnvelope/OnRecvEnvelope
// tests without pulling in the routing package.
type fakeTable struct {
	peers map[types.NodeID]types.PeerInfo
	flows map[types.NodeID]types.Flow
	dials map[types.NodeID]types.DialInfo
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		peers: make(map[types.NodeID]types.PeerInfo),
		flows: make(map[types.NodeID]types.Flow),
		dials: make(map[types.NodeID]types.DialInfo),
	}
}

func (t *fakeTable) RegisterNode(types.NodeID, types.Flow, types.VersionRange) {}
func (t *fakeTable) PeerInfo(id types.NodeID) (types.PeerInfo, bool) {
	pi, ok := t.peers[id]
	return pi, ok
}
func (t *fakeTable) BestFlow(id types.NodeID) (types.Flow, bool) {
	f, ok := t.flows[id]
	return f, ok
}
func (t *fakeTable) BestDialInfo(id types.NodeID, proto types.Protocol) (types.DialInfo, bool) {
	d, ok := t.dials[id]
	if !ok || d.Protocol != proto {
		return types.DialInfo{}, false
	}
	return d, true
}
func (t *fakeTable) HasValidRelayLease(types.NodeID) bool       { return false }
func (t *fakeTable) OurVersions() types.VersionRange            { return types.VersionRange{Min: 0, Max: 1} }
func (t *fakeTable) RecordSendFailure(types.NodeID)             {}
func (t *fakeTable) RecordLostAnswer(types.NodeID)              {}

type fakeSink struct {
	received chan []byte
}

func (s *fakeSink) EnqueueInbound(body []byte, source types.NodeID) {
	s.received <- body
}

// delivererProxy lets a connmgr.Manager be constructed before its eventual
// netman.Manager deliverer exists, since the two are mutually dependent.
type delivererProxy struct {
	target connmgr.Deliverer
}

func (p *delivererProxy) OnRecvBytes(flow types.Flow, data []byte) {
	if p.target != nil {
		p.target.OnRecvBytes(flow, data)
	}
}

func buildManager(t *testing.T, self types.NodeID, cs crypto.Cryptosystem, secret crypto.SecretKey, table *fakeTable, addr string) (*Manager, *fakeSink) {
	log := logrus.NewEntry(logrus.New())
	filter := addrfilter.New(config.DefaultAddressFilterConfig(), log, nil)
	sink := &fakeSink{received: make(chan []byte, 4)}
	connCfg := config.DefaultConnectionConfig()
	proxy := &delivererProxy{}
	conns := connmgr.New(connCfg, filter, proxy, log)
	require.NoError(t, conns.ListenUDP(addr))

	registry := crypto.NewRegistry(crypto.VLD0{}, crypto.SECP{})
	m := New(Config{
		Self:     self,
		Kind:     cs,
		Secret:   secret,
		Registry: registry,
		Conns:    conns,
		Table:    table,
		Filter:   filter,
		Sink:     sink,
		MaxSkew:  30 * time.Second,
		Log:      log,
	})
	proxy.target = m
	return m, sink
}

func TestSendEnvelopeRoundTripOverLoopbackUDP(t *testing.T) {
	cs := crypto.VLD0{}
	aPub, aSec, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	bPub, bSec, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	aID := cs.Hash(aPub.Sign)
	bID := cs.Hash(bPub.Sign)

	tableA := newFakeTable()
	tableB := newFakeTable()

	mgrA, _ := buildManager(t, aID, cs, aSec, tableA, "127.0.0.1:0")
	mgrB, sinkB := buildManager(t, bID, cs, bSec, tableB, "127.0.0.1:0")
	defer mgrA.conns.Stop()
	defer mgrB.conns.Stop()
	mgrA.conns.Start()
	mgrB.conns.Start()

	bInfo := types.PeerInfo{Signed: map[types.RoutingDomain]types.SignedNodeInfo{
		types.DomainPublicInternet: {NodeInfo: types.NodeInfo{
			PublicKeys: map[types.CryptoKind]types.RawPublicKey{cs.Kind(): {Sign: bPub.Sign, DH: bPub.DH}},
		}},
	}}
	tableA.peers[bID] = bInfo
	tableA.dials[bID] = types.DialInfo{Protocol: types.ProtocolUDP, Address: mgrB.conns.UDPListenAddr().IP, Port: uint16(mgrB.conns.UDPListenAddr().Port)}

	// B needs A's public key to decrypt, registered as if discovered already.
	tableB.peers[aID] = types.PeerInfo{Signed: map[types.RoutingDomain]types.SignedNodeInfo{
		types.DomainPublicInternet: {NodeInfo: types.NodeInfo{
			PublicKeys: map[types.CryptoKind]types.RawPublicKey{cs.Kind(): {Sign: aPub.Sign, DH: aPub.DH}},
		}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgrA.SendEnvelope(ctx, bID, []byte("hello from a")))

	select {
	case got := <-sinkB.received:
		require.Equal(t, "hello from a", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
