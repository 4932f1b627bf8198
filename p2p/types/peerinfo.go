package types

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CryptoKind is the 4-byte tag selecting a cryptosystem.
type CryptoKind [4]byte

func (k CryptoKind) String() string { return string(k[:]) }

// ParseCryptoKind turns a 4-character string into a CryptoKind tag.
func ParseCryptoKind(s string) CryptoKind {
	var k CryptoKind
	copy(k[:], s)
	return k
}

// TypedKey pairs a CryptoKind with an opaque key value, used for both node
// ids and DHT record keys.
type TypedKey struct {
	Kind CryptoKind
	Key  NodeID
}

// String renders the kind-prefixed URL form, e.g. "VLD0:<base64url-hash>",
// the way DHT record keys are passed between processes.
func (k TypedKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, base64.RawURLEncoding.EncodeToString(k.Key[:]))
}

// ParseTypedKey parses the kind-prefixed URL form produced by String.
func ParseTypedKey(s string) (TypedKey, error) {
	kind, enc, ok := strings.Cut(s, ":")
	if !ok || len(kind) != 4 {
		return TypedKey{}, errors.New("types: typed key must be kind:base64url")
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return TypedKey{}, err
	}
	if len(raw) != NodeIDLength {
		return TypedKey{}, errors.New("types: typed key hash must be exactly 32 bytes")
	}
	var k TypedKey
	k.Kind = ParseCryptoKind(kind)
	copy(k.Key[:], raw)
	return k, nil
}

// RoutingDomain distinguishes dial info intended for the open internet from
// dial info only reachable on a local network.
type RoutingDomain int

const (
	DomainPublicInternet RoutingDomain = iota
	DomainLocalNetwork
)

// VersionRange is the inclusive [Min, Max] protocol version a peer supports.
type VersionRange struct {
	Min, Max uint8
}

// Intersect returns the overlapping version range of a and b, and whether
// one exists.
func (a VersionRange) Intersect(b VersionRange) (VersionRange, bool) {
	lo := a.Min
	if b.Min > lo {
		lo = b.Min
	}
	hi := a.Max
	if b.Max < hi {
		hi = b.Max
	}
	if lo > hi {
		return VersionRange{}, false
	}
	return VersionRange{Min: lo, Max: hi}, true
}

// RawPublicKey holds a cryptosystem kind's public key material as plain
// bytes, so the wire-model types package can carry it without importing the
// crypto package (which itself depends on types for NodeID/CryptoKind).
type RawPublicKey struct {
	Sign []byte
	DH   []byte
}

// NodeInfo is the unsigned content of a peer's advertisement: the
// reachability facts other nodes need to contact it.
type NodeInfo struct {
	Domain        RoutingDomain
	DialInfoList  []DialInfoDetail
	Protocols     map[Protocol]bool // protocol support bitset
	Versions      VersionRange
	WillRoute     bool // capable of acting as a route-spec hop
	WillRelay     bool // capable of acting as an inbound relay
	WillValidate  bool // can validate a peer's external dial info
	RelayNodeID   NodeID // the node id of this peer's own inbound relay, if any
	PublicKeys    map[CryptoKind]RawPublicKey
}

// SignedNodeInfo is a NodeInfo plus the owner's signature over it, so it can
// be forwarded as gossip without the recipient needing to re-derive trust
// from a live connection.
type SignedNodeInfo struct {
	NodeInfo  NodeInfo
	Timestamp time.Time
	Signature []byte
}

// PeerInfo is a node id plus its per-domain signed node info, the unit
// exchanged by find_node and carried in bootstrap/route-hop records.
type PeerInfo struct {
	NodeIDs []TypedKey
	Signed  map[RoutingDomain]SignedNodeInfo
}

// BestDialInfo returns the first DialInfoDetail in domain matching protocol
// that is not classed Blocked, or false if none exists.
func (pi PeerInfo) BestDialInfo(domain RoutingDomain, proto Protocol) (DialInfoDetail, bool) {
	sni, ok := pi.Signed[domain]
	if !ok {
		return DialInfoDetail{}, false
	}
	for _, d := range sni.NodeInfo.DialInfoList {
		if d.DialInfo.Protocol == proto && d.Class != ClassBlocked {
			return d, true
		}
	}
	return DialInfoDetail{}, false
}
