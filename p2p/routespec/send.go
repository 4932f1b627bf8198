package routespec

import (
	"context"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// Sender is the slice of netman.Manager the store needs to push a compiled
// blob to a route's first hop.
type Sender interface {
	SendDataToDialInfo(ctx context.Context, dest types.NodeID, di types.DialInfo, data []byte) error
}

// routeBinding pins a destination node id to the private route sends to it
// go through; SendOverRoute wraps that private route in a freshly allocated
// safety route on every send.
type routeBinding struct {
	mu    sync.Mutex
	route *RouteSpecDetail
	pr    PrivateRoute
}

// bindings maps a destination node id to its pinned route, populated by
// UsePrivateRoute once a caller has learned the peer's published private
// route (e.g. via find_node or DHT gossip).
type bindings struct {
	mu sync.Mutex
	m  map[types.NodeID]*routeBinding
}

// UsePrivateRoute records that future sends to dest should go through pr,
// wrapped in a freshly allocated outbound safety route each time.
func (s *Store) UsePrivateRoute(dest types.NodeID, pr PrivateRoute) {
	s.bindingsOnce()
	s.binds.mu.Lock()
	s.binds.m[dest] = &routeBinding{pr: pr}
	s.binds.mu.Unlock()
}

func (s *Store) bindingsOnce() {
	s.mu.Lock()
	if s.binds == nil {
		s.binds = &bindings{m: make(map[types.NodeID]*routeBinding)}
	}
	s.mu.Unlock()
}

// SealToRoute encrypts body so only the private route's owner (who holds
// the route's ephemeral secret) can read it. A fresh DH keypair is minted
// per message, so two sends over the same route never share an AEAD key.
func (s *Store) SealToRoute(pr PrivateRoute, body []byte) ([]byte, error) {
	ephPub, ephSec, err := s.kind.GenerateKeyPair()
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.Internal, err, "generating message keypair")
	}
	shared, err := s.kind.DH(ephSec, pr.PublicKey)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.Internal, err, "deriving route shared secret")
	}
	nonce, err := s.kind.RandomNonce()
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.Internal, err, "generating message nonce")
	}
	sealed, err := s.kind.AEADEncrypt(shared, nonce, body, nil)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.Internal, err, "sealing routed payload")
	}
	return encodeRoutedPayload(ephPub.DH, nonce, sealed), nil
}

// OpenRoutedPayload is the receiving side of SealToRoute: the route's owner
// recovers the operation data carried beside its own private route blob.
func OpenRoutedPayload(kind crypto.Cryptosystem, routeSecret crypto.SecretKey, data []byte) ([]byte, error) {
	ephDH, nonce, sealed, err := decodeRoutedPayload(data)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ParseError, err, "decoding routed payload")
	}
	shared, err := kind.DH(routeSecret, crypto.PublicKey{DH: ephDH})
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.Internal, err, "deriving route shared secret")
	}
	return kind.AEADDecrypt(shared, nonce, sealed, nil)
}

// SendOverRoute implements netman.RouteSender: when dest has a bound
// private route, seal body to the route, compile a fresh safety route
// around it, and deliver via the first hop instead of a direct send.
func (s *Store) SendOverRoute(ctx context.Context, dest types.NodeID, body []byte) (bool, error) {
	s.mu.Lock()
	binds := s.binds
	s.mu.Unlock()
	if binds == nil {
		return false, nil
	}
	binds.mu.Lock()
	b, ok := binds.m[dest]
	binds.mu.Unlock()
	if !ok {
		return false, nil
	}

	sealed, err := s.SealToRoute(b.pr, body)
	if err != nil {
		return true, err
	}
	safety, err := s.AllocateRoute(false, s.defaultSafetyHopCount(), []Direction{DirectionOutbound})
	if err != nil {
		return true, err
	}
	compiled, err := s.Compile(safety, b.pr, sealed)
	if err != nil {
		return true, err
	}
	di, ok := s.source.BestDialInfo(compiled.FirstHop, types.ProtocolUDP)
	if !ok {
		di, ok = s.source.BestDialInfo(compiled.FirstHop, types.ProtocolTCP)
	}
	if !ok {
		return true, nil
	}
	if s.sender == nil {
		return true, nil
	}
	safety.LastUsed = time.Now()
	return true, s.sender.SendDataToDialInfo(ctx, compiled.FirstHop, di, compiled.Blob)
}

func (s *Store) defaultSafetyHopCount() int {
	if s.maxHopCount >= 2 {
		return 2
	}
	return s.maxHopCount
}
