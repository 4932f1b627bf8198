package routing

import (
	"time"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/routespec"
	"github.com/drep-project/overlay/p2p/types"
)

var _ routespec.PeerSource = (*Table)(nil)

// RouteCandidates implements routespec.PeerSource: every non-dead peer with
// valid public internet signed node info, a routable dial-info class, and
// the will_route capability.
func (t *Table) RouteCandidates() []routespec.Candidate {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var out []routespec.Candidate
	for _, e := range entries {
		e.mu.Lock()
		sni, ok := e.signed[types.DomainPublicInternet]
		if !ok {
			e.mu.Unlock()
			continue
		}
		reliability := e.reliability(time.Now())
		if reliability == Dead || !sni.NodeInfo.WillRoute {
			e.mu.Unlock()
			continue
		}
		routable := false
		for _, d := range sni.NodeInfo.DialInfoList {
			if d.Class != types.ClassBlocked {
				routable = true
				break
			}
		}
		lat := e.stats.AverageLatency()
		reliableSince := e.firstConsecutiveSeen
		e.mu.Unlock()
		if !routable {
			continue
		}
		out = append(out, routespec.Candidate{
			NodeID:        e.id,
			Reliable:      reliability == Reliable,
			ReliableSince: reliableSince,
			Latency:       lat,
		})
	}
	return out
}

// PublicKeyFor implements routespec.PeerSource, surfacing the flat
// RawPublicKey wire type as the crypto package's PublicKey shape.
func (t *Table) PublicKeyFor(id types.NodeID, kind types.CryptoKind) (crypto.PublicKey, bool) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return crypto.PublicKey{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sni := range e.signed {
		if raw, ok := sni.NodeInfo.PublicKeys[kind]; ok {
			return crypto.PublicKey{Sign: raw.Sign, DH: raw.DH}, true
		}
	}
	return crypto.PublicKey{}, false
}

// CanContact implements routespec.PeerSource. The routing table only tracks
// reachability from our own vantage point (ResolveContactMethod), so this
// approximates hop-to-hop reachability with "to advertises some usable
// dial info or an inbound relay", good enough to reject hops we know are
// fully Blocked, which is what the hop-chain check guards against in
// practice (a genuinely private pairwise reachability oracle
// would need every hop's own routing table, which this node does not have).
func (t *Table) CanContact(from, to types.NodeID) bool {
	if from == t.self {
		return t.ResolveContactMethod(types.DomainPublicInternet, to, types.NodeID{}, nil).Kind != Unreachable
	}
	t.mu.RLock()
	e, ok := t.byID[to]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sni := range e.signed {
		if !sni.NodeInfo.RelayNodeID.IsZero() {
			return true
		}
		for _, d := range sni.NodeInfo.DialInfoList {
			if d.Class != types.ClassBlocked {
				return true
			}
		}
	}
	return false
}
