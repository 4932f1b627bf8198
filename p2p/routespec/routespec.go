// Package routespec implements the route spec store: multi-hop route
// allocation over candidate peers, and the onion-encrypted safety-route/
// private-route compiler used for sender/receiver privacy. Route state is a
// mutex-guarded map of per-id detail, the same shape routing.Table uses for
// its entries; the nested DH+AEAD construction comes from p2p/crypto's
// Cryptosystem table.
package routespec

import (
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/types"
)

// Direction is one of the two directions a route may be allocated for.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// Candidate is one peer eligible to be a route hop, already filtered by
// the caller's PeerSource (valid public internet signed node info,
// routable class, will_route).
type Candidate struct {
	NodeID        types.NodeID
	Reliable      bool
	ReliableSince time.Time
	Latency       time.Duration
}

// PeerSource supplies candidate hops and lets the store resolve a
// candidate's current public key and dial info.
type PeerSource interface {
	RouteCandidates() []Candidate
	PublicKeyFor(id types.NodeID, kind types.CryptoKind) (crypto.PublicKey, bool)
	BestDialInfo(id types.NodeID, proto types.Protocol) (types.DialInfo, bool)
	CanContact(from, to types.NodeID) bool
}

// RouteSpecDetail is one allocated route: the ordered hop list plus the
// route's ephemeral identity and bookkeeping.
type RouteSpecDetail struct {
	ID         string // hex of the hash of the route's ephemeral public key, used as the lookup key
	Hops       []types.NodeID
	PublicKey  crypto.PublicKey
	SecretKey  crypto.SecretKey
	Reliable   bool
	Sequencing bool
	Directions []Direction
	Published  bool

	CreatedAt time.Time
	LastUsed  time.Time

	sentCount int
	lostCount int
}

// Store allocates routes and compiles onion-encrypted blobs. One Store
// exists per node.
type Store struct {
	self   types.NodeID
	kind   crypto.Cryptosystem
	source PeerSource
	sender Sender

	maxHopCount int

	mu            sync.Mutex
	routes        map[string]*RouteSpecDetail
	hopHashCache  map[string]bool // dedup key: ordered hop ids joined
	timesHop      map[types.NodeID]int
	timesTerminal map[types.NodeID]int
	binds         *bindings
}

// Config bundles Store's construction-time dependencies.
type Config struct {
	Self        types.NodeID
	Kind        crypto.Cryptosystem
	Source      PeerSource
	Sender      Sender
	MaxHopCount int
}

// New builds a Store from cfg.
func New(cfg Config) *Store {
	max := cfg.MaxHopCount
	if max <= 0 {
		max = 4
	}
	return &Store{
		self:          cfg.Self,
		kind:          cfg.Kind,
		source:        cfg.Source,
		sender:        cfg.Sender,
		maxHopCount:   max,
		routes:        make(map[string]*RouteSpecDetail),
		hopHashCache:  make(map[string]bool),
		timesHop:      make(map[types.NodeID]int),
		timesTerminal: make(map[types.NodeID]int),
	}
}

// SetSender wires the network-manager send path after construction,
// resolving the constructor cycle between routespec (which needs a Sender)
// and netman (which needs routespec's Store as its RouteSender).
func (s *Store) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Get returns a previously allocated route by id.
func (s *Store) Get(id string) (*RouteSpecDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	return r, ok
}

// Release forgets a route, freeing its hop-hash cache slot so the same
// permutation of hops can be allocated again later.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return
	}
	delete(s.routes, id)
	delete(s.hopHashCache, hopsKey(r.Hops))
}
