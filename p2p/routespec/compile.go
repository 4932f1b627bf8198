package routespec

import (
	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// PrivateRoute is a receiver-anonymizing compiled blob: the opaque bytes a
// receiver hands out so senders can reach it without learning its real node
// id, plus the route's public key. The route's secret key stays in its
// RouteSpecDetail and is not carried here.
type PrivateRoute struct {
	PublicKey crypto.PublicKey
	Blob      []byte
}

// CompilePrivateRoute builds the onion blob for route (already allocated
// with DirectionInbound) terminating at us: hop N (closest to us) peels its
// layer and finds no forwarding dial info, meaning "deliver locally".
func (s *Store) CompilePrivateRoute(route *RouteSpecDetail, payload []byte) (PrivateRoute, error) {
	blob, err := s.buildOnion(route, payload)
	if err != nil {
		return PrivateRoute{}, err
	}
	return PrivateRoute{PublicKey: route.PublicKey, Blob: blob}, nil
}

// Compile wraps an already-compiled private route in a fresh safety
// route allocated for DirectionOutbound, so the first safety hop never
// learns the eventual recipient's identity, only its own successor. payload
// is the operation data riding beside the private route (typically sealed
// to the route's public key via SealToRoute); it may be nil when the blob
// only publishes the route itself.
func (s *Store) Compile(safetyRoute *RouteSpecDetail, pr PrivateRoute, payload []byte) (CompiledRoute, error) {
	innermost := append(encodePrivateRouteBlob(pr), payload...)
	outer, err := s.buildOnion(safetyRoute, innermost)
	if err != nil {
		return CompiledRoute{}, err
	}
	return CompiledRoute{
		SafetyPublicKey: safetyRoute.PublicKey,
		FirstHop:        safetyRoute.Hops[0],
		Blob:            outer,
		ReplySecret:     safetyRoute.SecretKey,
	}, nil
}

// CompiledRoute is the result of Compile: the blob to send to FirstHop,
// enveloped the normal way through the network manager, plus the secret
// needed to decrypt whatever comes back through this safety route.
type CompiledRoute struct {
	SafetyPublicKey crypto.PublicKey
	FirstHop        types.NodeID
	Blob            []byte
	ReplySecret     crypto.SecretKey
}

func encodePrivateRouteBlob(pr PrivateRoute) []byte {
	out := make([]byte, 0, len(pr.PublicKey.DH)+len(pr.PublicKey.Sign)+len(pr.Blob)+6)
	out = append(out, byte(len(pr.PublicKey.Sign)))
	out = append(out, pr.PublicKey.Sign...)
	out = append(out, byte(len(pr.PublicKey.DH)))
	out = append(out, pr.PublicKey.DH...)
	out = append(out, pr.Blob...)
	return out
}

// buildOnion builds the onion from the inside out: starting
// from payload, for each hop from the last (closest to target) to the first
// (entry point), seal the current blob under DH(route secret, hop public
// key) with a fresh nonce, and wrap it with the next hop's dial info so the
// hop ahead of it knows where to forward.
func (s *Store) buildOnion(route *RouteSpecDetail, payload []byte) ([]byte, error) {
	if len(route.Hops) == 0 {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "route has no hops")
	}
	blob := payload
	for i := len(route.Hops) - 1; i >= 0; i-- {
		hopPub, ok := s.source.PublicKeyFor(route.Hops[i], s.kind.Kind())
		if !ok {
			return nil, rpcerr.New(rpcerr.InvalidTarget, "missing public key for route hop")
		}
		shared, err := s.kind.DH(route.SecretKey, hopPub)
		if err != nil {
			return nil, rpcerr.Wrapf(rpcerr.Internal, err, "deriving hop shared secret")
		}
		nonce, err := s.kind.RandomNonce()
		if err != nil {
			return nil, rpcerr.Wrapf(rpcerr.Internal, err, "generating hop nonce")
		}
		sealed, err := s.kind.AEADEncrypt(shared, nonce, blob, nil)
		if err != nil {
			return nil, rpcerr.Wrapf(rpcerr.Internal, err, "sealing hop layer")
		}
		var next *types.DialInfo
		if i+1 < len(route.Hops) {
			di, ok := s.source.BestDialInfo(route.Hops[i+1], types.ProtocolUDP)
			if !ok {
				di, ok = s.source.BestDialInfo(route.Hops[i+1], types.ProtocolTCP)
			}
			if !ok {
				return nil, rpcerr.New(rpcerr.InvalidTarget, "missing dial info for next route hop")
			}
			next = &di
		}
		blob = encodeHopLayer(nonce, sealed, next)
	}
	return blob, nil
}

// PeelHop decrypts one onion layer at a hop using its own secret key and
// the route's public key (DH is symmetric: DH(hopSecret, routePublic) ==
// DH(routeSecret, hopPublic)), returning the next blob to forward and the
// next hop's dial info, or a nil dial info if this hop is the terminus.
func PeelHop(kind crypto.Cryptosystem, hopSecret crypto.SecretKey, routePublic crypto.PublicKey, layer []byte) (next []byte, nextHop *types.DialInfo, err error) {
	nonce, sealed, nextDI, err := decodeHopLayer(layer)
	if err != nil {
		return nil, nil, rpcerr.Wrapf(rpcerr.ParseError, err, "decoding onion hop layer")
	}
	shared, err := kind.DH(hopSecret, routePublic)
	if err != nil {
		return nil, nil, rpcerr.Wrapf(rpcerr.Internal, err, "deriving hop shared secret")
	}
	plain, err := kind.AEADDecrypt(shared, nonce, sealed, nil)
	if err != nil {
		// Opaque to anyone without the hop secret.
		return nil, nil, rpcerr.Wrapf(rpcerr.ParseError, err, "unsealing hop layer")
	}
	return plain, nextDI, nil
}
