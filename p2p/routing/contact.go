package routing

import "github.com/drep-project/overlay/p2p/types"

// ContactMethodKind enumerates the ways a peer can be reached, kept as a
// sum type rather than a struct of optional fields: behavior differs per
// variant, not just the payload.
type ContactMethodKind int

const (
	Unreachable ContactMethodKind = iota
	Direct
	SignalReverse
	SignalHolePunch
	InboundRelay
	OutboundRelay
	Existing
)

// ContactMethod is the resolved way to reach a peer.
type ContactMethod struct {
	Kind   ContactMethodKind
	DI     types.DialInfo // valid for Direct
	Relay  types.NodeID   // valid for SignalReverse, SignalHolePunch, InboundRelay, OutboundRelay
	Target types.NodeID   // valid for SignalReverse, SignalHolePunch
}

// ResolveContactMethod picks how to reach target: direct is preferred;
// SignalReverse only applies if hairpin addresses differ;
// SignalHolePunch requires UDP dial info on both sides; LocalNetwork only
// permits Direct.
func (t *Table) ResolveContactMethod(domain types.RoutingDomain, target types.NodeID, ourRelay types.NodeID, ourDialInfo []types.DialInfoDetail) ContactMethod {
	t.mu.RLock()
	e, ok := t.byID[target]
	t.mu.RUnlock()
	if !ok {
		return ContactMethod{Kind: Unreachable}
	}
	if !ourRelay.IsZero() && target == ourRelay {
		return ContactMethod{Kind: Existing}
	}

	e.mu.Lock()
	sni, haveSNI := e.signed[domain]
	e.mu.Unlock()
	if !haveSNI {
		return ContactMethod{Kind: Unreachable}
	}

	for _, d := range sni.NodeInfo.DialInfoList {
		if d.Class == types.ClassBlocked {
			continue
		}
		if d.Class == types.ClassDirect || d.Class == types.ClassMapped {
			return ContactMethod{Kind: Direct, DI: d.DialInfo}
		}
	}

	if domain == types.DomainLocalNetwork {
		return ContactMethod{Kind: Unreachable}
	}

	if relay, ok := t.relayOf(sni); ok {
		if hairpinDiffers(sni.NodeInfo.DialInfoList, ourDialInfo) {
			return ContactMethod{Kind: SignalReverse, Relay: relay, Target: target}
		}
		if hasUDP(sni.NodeInfo.DialInfoList) && hasUDP(ourDialInfo) {
			return ContactMethod{Kind: SignalHolePunch, Relay: relay, Target: target}
		}
		return ContactMethod{Kind: InboundRelay, Relay: relay}
	}

	if !ourRelay.IsZero() {
		return ContactMethod{Kind: OutboundRelay, Relay: ourRelay}
	}

	return ContactMethod{Kind: Unreachable}
}

// relayOf returns the peer's advertised inbound relay node id, if any.
func (t *Table) relayOf(sni types.SignedNodeInfo) (types.NodeID, bool) {
	if sni.NodeInfo.RelayNodeID.IsZero() {
		return types.NodeID{}, false
	}
	return sni.NodeInfo.RelayNodeID, true
}

func hairpinDiffers(a, b []types.DialInfoDetail) bool {
	addrA, okA := firstAddr(a)
	addrB, okB := firstAddr(b)
	if !okA || !okB {
		return false
	}
	return addrA != addrB
}

func firstAddr(list []types.DialInfoDetail) (string, bool) {
	for _, d := range list {
		if d.Class != types.ClassBlocked {
			return d.DialInfo.Address.String(), true
		}
	}
	return "", false
}

func hasUDP(list []types.DialInfoDetail) bool {
	for _, d := range list {
		if d.DialInfo.Protocol == types.ProtocolUDP && d.Class != types.ClassBlocked {
			return true
		}
	}
	return false
}
