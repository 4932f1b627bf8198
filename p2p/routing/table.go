package routing

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// bucketDepths gives the maximum live entries for bucket index 0..5; every
// deeper bucket is capped at 4.
var bucketDepths = []int{256, 128, 64, 32, 16, 8}

func depthFor(index int) int {
	if index < len(bucketDepths) {
		return bucketDepths[index]
	}
	return 4
}

type bucket struct {
	mu      sync.Mutex
	entries []*entry
}

// Table is the bucket-indexed routing table. It satisfies
// netman.PeerTable and addrfilter.Unpuniser structurally, letting netman and
// addrfilter depend on it without importing this package.
type Table struct {
	self     types.NodeID
	versions types.VersionRange

	mu      sync.RWMutex
	byID    map[types.NodeID]*entry
	buckets []*bucket

	localNetworkChangeAt time.Time
}

// New builds an empty Table for self, with one bucket per bit of a node id
// plus one for an id equal to self (257 for a 32-byte key).
func New(self types.NodeID, versions types.VersionRange) *Table {
	t := &Table{
		self:     self,
		versions: versions,
		byID:     make(map[types.NodeID]*entry),
		buckets:  make([]*bucket, types.NodeIDLength*8+1),
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketIndex(id types.NodeID) int {
	return types.FirstDifferingBit(t.self, id)
}

// Len reports the number of distinct known nodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// OurVersions implements netman.PeerTable.
func (t *Table) OurVersions() types.VersionRange { return t.versions }

// lookupOrCreate returns the entry for id, creating and inserting it into
// its bucket (kicking as needed) if absent. Exactly one bucket ever holds
// an entry for a given key.
func (t *Table) lookupOrCreate(id types.NodeID) *entry {
	t.mu.Lock()
	if e, ok := t.byID[id]; ok {
		t.mu.Unlock()
		return e
	}
	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	t.mu.Unlock()

	e := newEntry(id)

	var dropped []*entry
	b.mu.Lock()
	if len(b.entries) >= depthFor(idx) {
		b.entries, dropped = kick(b.entries, depthFor(idx)-1, time.Now())
	}
	b.entries = append(b.entries, e)
	b.mu.Unlock()

	t.mu.Lock()
	// Dropped entries no longer belong to any bucket; they must not remain
	// reachable through byID.
	for _, d := range dropped {
		if cur, ok := t.byID[d.id]; ok && cur == d {
			delete(t.byID, d.id)
		}
	}
	// Another goroutine may have raced us to create the same id; prefer the
	// winner and discard our bucket insert attempt's duplicate.
	if existing, ok := t.byID[id]; ok {
		t.mu.Unlock()
		return existing
	}
	t.byID[id] = e
	t.mu.Unlock()
	return e
}

// kick drops dead entries, then zero-refcount unreliable entries, until the
// bucket is at or under target length or no further candidates exist. It
// returns the retained entries and, separately,
// the ones it dropped, so the caller can also remove them from the table's
// byID index.
func kick(entries []*entry, target int, now time.Time) ([]*entry, []*entry) {
	if target < 0 {
		target = 0
	}
	var dropped []*entry
	dropIf := func(pred func(*entry) bool) bool {
		for i, e := range entries {
			if pred(e) {
				dropped = append(dropped, e)
				entries = append(entries[:i], entries[i+1:]...)
				return true
			}
		}
		return false
	}

	for len(entries) > target {
		if dropIf(func(e *entry) bool {
			e.mu.Lock()
			r := e.reliability(now)
			e.mu.Unlock()
			return r == Dead
		}) {
			continue
		}
		if dropIf(func(e *entry) bool {
			if e.refCountSnapshot() != 0 {
				return false
			}
			e.mu.Lock()
			r := e.reliability(now)
			e.mu.Unlock()
			return r == Unreliable
		}) {
			continue
		}
		break
	}
	return entries, dropped
}

// RegisterNode implements netman.PeerTable's RegisterNode: a lightweight
// registration used when a connection's sender becomes known, without a
// signed node info (upgraded later by RegisterNodeWithSignedNodeInfo).
func (t *Table) RegisterNode(id types.NodeID, flow types.Flow, versions types.VersionRange) {
	e := t.lookupOrCreate(id)
	e.mu.Lock()
	e.lastContact[flow.Remote.Protocol] = time.Now()
	if versions.Max > 0 {
		if merged, ok := e.versions.Intersect(versions); ok {
			e.versions = merged
		} else {
			e.versions = versions
		}
	}
	e.mu.Unlock()
	e.recordQuestionReceived(time.Now())
}

// RegisterNodeWithSignedNodeInfo applies the full signed-info registration
// rule: accept when no info is held, when the current signature is invalid,
// when the new timestamp is strictly newer, or when an equal timestamp
// arrives after a local network change.
func (t *Table) RegisterNodeWithSignedNodeInfo(id types.NodeID, domain types.RoutingDomain, sni types.SignedNodeInfo, allowInvalidSignature bool) {
	e := t.lookupOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	current, had := e.signed[domain]
	accept := !had
	if had {
		currentInvalid := len(current.Signature) == 0
		if currentInvalid || sni.Timestamp.After(current.Timestamp) {
			accept = true
		} else if sni.Timestamp.Equal(current.Timestamp) && !current.Timestamp.Before(t.localNetworkChangeAt) {
			accept = true
		}
	}
	if !accept && !allowInvalidSignature {
		return
	}
	if accept {
		e.signed[domain] = sni
	}
	e.lastSeen = time.Now()
	e.lastSeenValid = true
}

// PeerInfo implements netman.PeerTable.
func (t *Table) PeerInfo(id types.NodeID) (types.PeerInfo, bool) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return types.PeerInfo{}, false
	}
	pi := e.peerInfo()
	pi.NodeIDs = []types.TypedKey{{Key: id}}
	return pi, true
}

// BestFlow reports a recently contacted protocol's socket as a flow, if any
// (used by netman.SendData to prefer an existing connection).
func (t *Table) BestFlow(id types.NodeID) (types.Flow, bool) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return types.Flow{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var bestProto types.Protocol
	var bestAt time.Time
	found := false
	for p, at := range e.lastContact {
		if !found || at.After(bestAt) {
			bestProto, bestAt, found = p, at, true
		}
	}
	if !found {
		return types.Flow{}, false
	}
	for _, sni := range e.signed {
		for _, d := range sni.NodeInfo.DialInfoList {
			if d.DialInfo.Protocol == bestProto && d.Class != types.ClassBlocked {
				return types.Flow{Remote: types.PeerAddress{Protocol: bestProto, Socket: d.DialInfo.SocketAddr()}}, true
			}
		}
	}
	return types.Flow{}, false
}

// BestDialInfo implements netman.PeerTable.
func (t *Table) BestDialInfo(id types.NodeID, proto types.Protocol) (types.DialInfo, bool) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return types.DialInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sni := range e.signed {
		for _, d := range sni.NodeInfo.DialInfoList {
			if d.DialInfo.Protocol == proto && d.Class != types.ClassBlocked {
				return d.DialInfo, true
			}
		}
	}
	return types.DialInfo{}, false
}

// HasValidRelayLease reports whether id is currently leased to relay
// traffic through us (simplified to "advertises will_relay and is at least
// Unreliable", since full lease bookkeeping lives in the discovery/relay
// selection flow).
func (t *Table) HasValidRelayLease(id types.NodeID) bool {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reliability(time.Now()) == Dead {
		return false
	}
	for _, sni := range e.signed {
		if sni.NodeInfo.WillRelay {
			return true
		}
	}
	return false
}

// RecordSendFailure implements netman.PeerTable.
func (t *Table) RecordSendFailure(id types.NodeID) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if ok {
		e.recordFailedToSend(time.Now())
	}
}

// RecordLostAnswer implements netman.PeerTable.
func (t *Table) RecordLostAnswer(id types.NodeID) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if ok {
		e.recordLostAnswer()
	}
}

// RecordSendSuccess marks a successful outbound send/answer exchange.
func (t *Table) RecordSendSuccess(id types.NodeID) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if ok {
		e.recordSendSuccess(time.Now())
	}
}

// Reliability reports the current derived reliability of id, or Dead if
// unknown.
func (t *Table) Reliability(id types.NodeID) Reliability {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return Dead
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reliability(time.Now())
}

// Stats exposes the per-entry rolling transfer/latency accounting so netman
// can feed it observed send/receive sizes and RTTs.
func (t *Table) Stats(id types.NodeID) *entryStatsHandle {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return &entryStatsHandle{e.stats}
}

type entryStatsHandle struct {
	s interface {
		RecordTransfer(int)
		RecordLatency(time.Duration)
	}
}

func (h *entryStatsHandle) RecordTransfer(n int)            { h.s.RecordTransfer(n) }
func (h *entryStatsHandle) RecordLatency(d time.Duration) { h.s.RecordLatency(d) }

// Unpunish implements addrfilter.Unpuniser: when the address filter forgives
// a punished IP, re-validate any bucket entry whose last known dial info
// matches, so the forgiven peer can be retried instead of staying Dead.
func (t *Table) Unpunish(ip net.IP) {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		for _, sni := range e.signed {
			for _, d := range sni.NodeInfo.DialInfoList {
				if d.DialInfo.Address.Equal(ip) {
					e.failedToSend = 0
					e.lostAnswers = 0
				}
			}
		}
		e.mu.Unlock()
	}
}

// NotifyLocalNetworkChange records that our local network configuration
// changed, so RegisterNodeWithSignedNodeInfo's equal-timestamp re-accept
// rule only fires for info signed since.
func (t *Table) NotifyLocalNetworkChange(at time.Time) {
	t.mu.Lock()
	t.localNetworkChangeAt = at
	t.mu.Unlock()
}

// SelectRelay picks an inbound relay for us: a reliable, will_relay peer
// that advertises non-blocked dial info for every protocol we accept
// inbound on, preferring low latency. Address type and port are not
// compared.
func (t *Table) SelectRelay(ourInboundProtocols []types.Protocol) (types.NodeID, bool) {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	type candidate struct {
		id      types.NodeID
		latency time.Duration
	}
	var candidates []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.reliability(time.Now()) != Reliable {
			e.mu.Unlock()
			continue
		}
		willRelay := false
		reachableAll := true
		for _, sni := range e.signed {
			if sni.NodeInfo.WillRelay {
				willRelay = true
			}
			for _, proto := range ourInboundProtocols {
				if !hasProtocol(sni.NodeInfo.DialInfoList, proto) {
					reachableAll = false
				}
			}
		}
		lat := e.stats.AverageLatency()
		e.mu.Unlock()
		if willRelay && reachableAll {
			candidates = append(candidates, candidate{e.id, lat})
		}
	}
	if len(candidates) == 0 {
		return types.NodeID{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].latency < candidates[j].latency })
	return candidates[0].id, true
}

// SelectValidators picks a set of reliable peers
// that are not themselves relayed (no RelayNodeID) and advertise
// will_validate, for use as external-address-sampling candidates during NAT
// class discovery. Ordered by latency like SelectRelay.
func (t *Table) SelectValidators(limit int) []types.NodeID {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	type candidate struct {
		id      types.NodeID
		latency time.Duration
	}
	var candidates []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.reliability(time.Now()) != Reliable {
			e.mu.Unlock()
			continue
		}
		willValidate := false
		relayed := false
		for _, sni := range e.signed {
			if sni.NodeInfo.WillValidate {
				willValidate = true
			}
			if !sni.NodeInfo.RelayNodeID.IsZero() {
				relayed = true
			}
		}
		lat := e.stats.AverageLatency()
		e.mu.Unlock()
		if willValidate && !relayed {
			candidates = append(candidates, candidate{e.id, lat})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].latency < candidates[j].latency })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]types.NodeID, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.id)
	}
	return out
}

// ClosestPeers returns up to k known peers ordered by XOR distance to
// target, the set find_node answers with and the DHT fanout seeds from.
// Peers with no signed node info for any domain are skipped
// since they have nothing useful to answer with.
func (t *Table) ClosestPeers(target types.NodeID, k int) []types.PeerInfo {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	type candidate struct {
		id   types.NodeID
		dist types.NodeID
	}
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		hasSigned := len(e.signed) > 0
		e.mu.Unlock()
		if !hasSigned {
			continue
		}
		candidates = append(candidates, candidate{id: e.id, dist: types.Xor(target, e.id)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist.Less(candidates[j].dist) })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]types.PeerInfo, 0, len(candidates))
	for _, c := range candidates {
		if pi, ok := t.PeerInfo(c.id); ok {
			out = append(out, pi)
		}
	}
	return out
}

func hasProtocol(list []types.DialInfoDetail, proto types.Protocol) bool {
	for _, d := range list {
		if d.DialInfo.Protocol == proto && d.Class != types.ClassBlocked {
			return true
		}
	}
	return false
}
