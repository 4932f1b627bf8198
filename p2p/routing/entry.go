// Package routing implements the bucket-based routing table: one entry per
// known node, indexed into depth-limited buckets by XOR distance, with a
// reliability state machine driven by send/receive stats. Per-entry
// transfer and latency accounting reuses netman.RollingStats.
package routing

import (
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/netman"
	"github.com/drep-project/overlay/p2p/types"
)

// Reliability is a bucket entry's derived trust state.
type Reliability int

const (
	Dead Reliability = iota
	Unreliable
	Reliable
)

func (r Reliability) String() string {
	switch r {
	case Dead:
		return "Dead"
	case Unreliable:
		return "Unreliable"
	case Reliable:
		return "Reliable"
	default:
		return "?"
	}
}

const (
	reliableAfter          = 60 * time.Second
	deadAfterLastSeen      = 60 * time.Second
	deadAfterFailedToSend  = 3
	deadAfterLostAnswers   = 3
	unreliablePingInterval = 5 * time.Second
	unreliablePingSpan     = 60 * time.Second
	reliablePingStart      = 10 * time.Second
	reliablePingMax        = 10 * time.Minute
)

// entry is the per-peer state behind one bucket slot. Its own mutex lets
// routing-table readers take only a brief table lock before mutating entry
// state.
type entry struct {
	mu sync.Mutex

	id     types.NodeID
	signed map[types.RoutingDomain]types.SignedNodeInfo

	lastContact map[types.Protocol]time.Time // per protocol/address-type, simplified to per-protocol
	versions    types.VersionRange

	sent            int
	received        int
	inFlight        int
	failedToSend    int
	lostAnswers     int
	firstConsecutiveSeen time.Time
	lastSeen        time.Time
	lastSeenValid   bool

	stats *netman.RollingStats

	refCount int

	lastLocalNetworkChange time.Time
	lastPingAttempt        time.Time
	nextPingInterval       time.Duration
	unreliableSince        time.Time
}

func newEntry(id types.NodeID) *entry {
	return &entry{
		id:          id,
		signed:      make(map[types.RoutingDomain]types.SignedNodeInfo),
		lastContact: make(map[types.Protocol]time.Time),
		stats:       netman.NewRollingStats(),
	}
}

// reliability derives the entry's Reliability from its stats. The caller
// must hold e.mu.
func (e *entry) reliability(now time.Time) Reliability {
	if e.failedToSend >= deadAfterFailedToSend {
		return Dead
	}
	if !e.lastSeenValid && e.lostAnswers >= deadAfterLostAnswers {
		return Dead
	}
	if e.lastSeenValid && now.Sub(e.lastSeen) >= deadAfterLastSeen {
		return Dead
	}
	if e.failedToSend == 0 && !e.firstConsecutiveSeen.IsZero() && now.Sub(e.firstConsecutiveSeen) >= reliableAfter {
		return Reliable
	}
	return Unreliable
}

// recordQuestionReceived marks a successful inbound question/answer
// exchange, advancing toward Reliable. Ordinary traffic from the peer also
// clears a prior failedToSend streak: a Dead peer returns to Unreliable
// (not directly Reliable) as soon as it is heard from again, the same
// reset recordSendSuccess performs for our own outbound sends and answers.
func (e *entry) recordQuestionReceived(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received++
	e.lastSeen = now
	e.lastSeenValid = true
	if e.failedToSend > 0 {
		e.failedToSend = 0
		e.firstConsecutiveSeen = now
	} else if e.firstConsecutiveSeen.IsZero() {
		e.firstConsecutiveSeen = now
	}
}

// recordFailedToSend advances toward Dead. On the
// third consecutive failure the peer becomes Dead; a subsequent success
// resets the failure counter and the reliability climb starts over, landing
// on Unreliable rather than jumping back to Reliable.
func (e *entry) recordFailedToSend(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedToSend++
	e.firstConsecutiveSeen = time.Time{}
}

func (e *entry) recordSendSuccess(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent++
	if e.failedToSend > 0 {
		e.failedToSend = 0
		e.firstConsecutiveSeen = now
	} else if e.firstConsecutiveSeen.IsZero() {
		e.firstConsecutiveSeen = now
	}
}

func (e *entry) recordLostAnswer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lostAnswers++
}

func (e *entry) ref() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

func (e *entry) unref() {
	e.mu.Lock()
	if e.refCount > 0 {
		e.refCount--
	}
	e.mu.Unlock()
}

func (e *entry) refCountSnapshot() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refCount
}

func (e *entry) peerInfo() types.PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	signed := make(map[types.RoutingDomain]types.SignedNodeInfo, len(e.signed))
	for k, v := range e.signed {
		signed[k] = v
	}
	return types.PeerInfo{Signed: signed}
}
