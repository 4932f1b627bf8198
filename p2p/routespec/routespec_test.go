package routespec

import (
	"net"
	"testing"
	"time"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/stretchr/testify/require"
)

// fakeSource is a PeerSource over an in-memory set of peers, each with a
// VLD0 keypair and a loopback dial info, enough to exercise allocation and
// onion compilation without a live routing table.
type fakeSource struct {
	peers map[types.NodeID]fakePeer
	kind  crypto.Cryptosystem
}

type fakePeer struct {
	pub  crypto.PublicKey
	sec  crypto.SecretKey
	di   types.DialInfo
	cand Candidate
}

func newFakeSource(t *testing.T, kind crypto.Cryptosystem, n int) (*fakeSource, []types.NodeID) {
	t.Helper()
	s := &fakeSource{peers: make(map[types.NodeID]fakePeer), kind: kind}
	var ids []types.NodeID
	for i := 0; i < n; i++ {
		pub, sec, err := kind.GenerateKeyPair()
		require.NoError(t, err)
		id := kind.Hash(pub.Sign)
		ids = append(ids, id)
		s.peers[id] = fakePeer{
			pub: pub,
			sec: sec,
			di:  types.DialInfo{Protocol: types.ProtocolUDP, Address: net.IPv4(127, 0, 0, byte(i + 1)), Port: uint16(5000 + i)},
			cand: Candidate{NodeID: id, Reliable: true, ReliableSince: time.Now().Add(-time.Hour)},
		}
	}
	return s, ids
}

func (s *fakeSource) RouteCandidates() []Candidate {
	var out []Candidate
	for _, p := range s.peers {
		out = append(out, p.cand)
	}
	return out
}

func (s *fakeSource) PublicKeyFor(id types.NodeID, kind types.CryptoKind) (crypto.PublicKey, bool) {
	p, ok := s.peers[id]
	return p.pub, ok
}

func (s *fakeSource) BestDialInfo(id types.NodeID, proto types.Protocol) (types.DialInfo, bool) {
	p, ok := s.peers[id]
	if !ok || p.di.Protocol != proto {
		return types.DialInfo{}, false
	}
	return p.di, true
}

func (s *fakeSource) CanContact(from, to types.NodeID) bool {
	_, ok := s.peers[to]
	return ok
}

func newTestKind(t *testing.T) crypto.Cryptosystem {
	t.Helper()
	return crypto.VLD0{}
}

func TestAllocateRouteRejectsDuplicateHopOrdering(t *testing.T) {
	kind := newTestKind(t)
	src, ids := newFakeSource(t, kind, 3)
	store := New(Config{Self: kind.Hash([]byte("self")), Kind: kind, Source: src, MaxHopCount: 3})

	r1, err := store.AllocateRoute(true, 3, []Direction{DirectionOutbound})
	require.NoError(t, err)
	require.Len(t, r1.Hops, 3)
	require.ElementsMatch(t, ids, r1.Hops)

	// A second allocation over the same 3-candidate pool must pick a
	// different hop ordering, since the first is now cached.
	r2, err := store.AllocateRoute(true, 3, []Direction{DirectionOutbound})
	require.NoError(t, err)
	require.NotEqual(t, r1.Hops, r2.Hops)
}

func TestAllocateRouteInsufficientCandidates(t *testing.T) {
	kind := newTestKind(t)
	src, _ := newFakeSource(t, kind, 1)
	store := New(Config{Self: kind.Hash([]byte("self")), Kind: kind, Source: src, MaxHopCount: 4})

	_, err := store.AllocateRoute(true, 2, []Direction{DirectionOutbound})
	require.Error(t, err)
}

func TestCompileAndPeelRoundTrip(t *testing.T) {
	kind := newTestKind(t)
	src, _ := newFakeSource(t, kind, 3)
	self := kind.Hash([]byte("self"))
	store := New(Config{Self: self, Kind: kind, Source: src, MaxHopCount: 3})

	receiverRoute, err := store.AllocateRoute(false, 2, []Direction{DirectionInbound})
	require.NoError(t, err)
	payload := []byte("hello receiver")
	pr, err := store.CompilePrivateRoute(receiverRoute, payload)
	require.NoError(t, err)

	safetyRoute, err := store.AllocateRoute(false, 1, []Direction{DirectionOutbound})
	require.NoError(t, err)
	compiled, err := store.Compile(safetyRoute, pr, nil)
	require.NoError(t, err)
	require.Equal(t, safetyRoute.Hops[0], compiled.FirstHop)

	// Peel every safety hop, then every private-route hop; the innermost
	// plaintext recovered at the end must equal the encoded private route
	// carrying the original payload.
	blob := compiled.Blob
	for _, hop := range safetyRoute.Hops {
		peer := src.peers[hop]
		plain, _, err := PeelHop(kind, peer.sec, safetyRoute.PublicKey, blob)
		require.NoError(t, err)
		blob = plain
	}
	// blob now holds the encoded PrivateRoute; decode its embedded blob and
	// peel the private route's own hops to recover the original payload.
	decodedPR := decodePrivateRouteBlobForTest(t, blob)
	require.Equal(t, pr.PublicKey, decodedPR.PublicKey)
	inner := decodedPR.Blob
	for _, hop := range receiverRoute.Hops {
		peer := src.peers[hop]
		plain, _, err := PeelHop(kind, peer.sec, receiverRoute.PublicKey, inner)
		require.NoError(t, err)
		inner = plain
	}
	require.Equal(t, payload, inner)
}

func TestSealToRouteOpenRoutedPayload(t *testing.T) {
	kind := newTestKind(t)
	src, _ := newFakeSource(t, kind, 2)
	store := New(Config{Self: kind.Hash([]byte("self")), Kind: kind, Source: src, MaxHopCount: 2})

	route, err := store.AllocateRoute(false, 2, []Direction{DirectionInbound})
	require.NoError(t, err)
	pr, err := store.CompilePrivateRoute(route, nil)
	require.NoError(t, err)

	sealed, err := store.SealToRoute(pr, []byte("app payload"))
	require.NoError(t, err)
	opened, err := OpenRoutedPayload(kind, route.SecretKey, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("app payload"), opened)

	corrupt := append([]byte(nil), sealed...)
	corrupt[len(corrupt)-1] ^= 0x01
	_, err = OpenRoutedPayload(kind, route.SecretKey, corrupt)
	require.Error(t, err)
}

func TestPeelHopFailsOnBitFlip(t *testing.T) {
	kind := newTestKind(t)
	src, _ := newFakeSource(t, kind, 1)
	self := kind.Hash([]byte("self"))
	store := New(Config{Self: self, Kind: kind, Source: src, MaxHopCount: 1})

	route, err := store.AllocateRoute(false, 1, []Direction{DirectionOutbound})
	require.NoError(t, err)
	blob, err := store.buildOnion(route, []byte("secret"))
	require.NoError(t, err)

	corrupt := append([]byte(nil), blob...)
	corrupt[len(corrupt)-1] ^= 0x01
	peer := src.peers[route.Hops[0]]
	_, _, err = PeelHop(kind, peer.sec, route.PublicKey, corrupt)
	require.Error(t, err)
}

// decodePrivateRouteBlobForTest mirrors encodePrivateRouteBlob's layout,
// kept test-local since production code never needs to decode its own
// private-route encoding outside of a hop peel.
func decodePrivateRouteBlobForTest(t *testing.T, data []byte) PrivateRoute {
	t.Helper()
	require.True(t, len(data) >= 1)
	signLen := int(data[0])
	require.True(t, len(data) >= 1+signLen+1)
	sign := data[1 : 1+signLen]
	dhLenPos := 1 + signLen
	dhLen := int(data[dhLenPos])
	dhStart := dhLenPos + 1
	require.True(t, len(data) >= dhStart+dhLen)
	dh := data[dhStart : dhStart+dhLen]
	rest := data[dhStart+dhLen:]
	return PrivateRoute{PublicKey: crypto.PublicKey{Sign: sign, DH: dh}, Blob: rest}
}
