package routespec

import (
	"sort"
	"time"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// AllocateRoute picks hopCount candidates, walks permutations of them
// rejecting cached or unreachable orderings, mints a fresh ephemeral
// keypair, and records the route.
func (s *Store) AllocateRoute(reliable bool, hopCount int, directions []Direction) (*RouteSpecDetail, error) {
	if hopCount < 1 || hopCount > s.maxHopCount {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "hop count out of range")
	}

	candidates := s.source.RouteCandidates()
	s.mu.Lock()
	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := s.timesTerminal[candidates[i].NodeID], s.timesTerminal[candidates[j].NodeID]
		if ti != tj {
			return ti < tj
		}
		hi, hj := s.timesHop[candidates[i].NodeID], s.timesHop[candidates[j].NodeID]
		if hi != hj {
			return hi < hj
		}
		if reliable {
			// Prefer oldest-reliable: smaller (older) ReliableSince sorts first.
			return candidates[i].ReliableSince.Before(candidates[j].ReliableSince)
		}
		return candidates[i].Latency < candidates[j].Latency
	})
	s.mu.Unlock()

	if len(candidates) < hopCount {
		return nil, rpcerr.New(rpcerr.TryAgain, "not enough route candidates known yet")
	}
	pool := candidates[:hopCount]

	perm, ok := s.firstReachablePermutation(pool, directions)
	if !ok {
		return nil, rpcerr.New(rpcerr.TryAgain, "no reachable hop ordering found")
	}

	pub, sec, err := s.kind.GenerateKeyPair()
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.Internal, err, "generating route keypair")
	}

	now := time.Now()
	route := &RouteSpecDetail{
		ID:         s.kind.Hash(pub.Sign, pub.DH).Hex(),
		Hops:       perm,
		PublicKey:  pub,
		SecretKey:  sec,
		Reliable:   reliable,
		Directions: directions,
		CreatedAt:  now,
		LastUsed:   now,
	}

	s.mu.Lock()
	s.hopHashCache[hopsKey(perm)] = true
	s.routes[route.ID] = route
	for i, hop := range perm {
		if i == len(perm)-1 {
			s.timesTerminal[hop]++
		} else {
			s.timesHop[hop]++
		}
	}
	s.mu.Unlock()

	return route, nil
}

// firstReachablePermutation walks permutations of pool
// rejecting any whose hop hash was already allocated, or where any
// consecutive pair cannot contact each other in the requested directions.
func (s *Store) firstReachablePermutation(pool []Candidate, directions []Direction) ([]types.NodeID, bool) {
	ids := make([]types.NodeID, len(pool))
	for i, c := range pool {
		ids[i] = c.NodeID
	}

	var found []types.NodeID
	var walk func(remaining []types.NodeID, chosen []types.NodeID) bool
	walk = func(remaining []types.NodeID, chosen []types.NodeID) bool {
		if len(remaining) == 0 {
			s.mu.Lock()
			cached := s.hopHashCache[hopsKey(chosen)]
			s.mu.Unlock()
			if cached {
				return false
			}
			if !s.permutationReachable(chosen, directions) {
				return false
			}
			found = append([]types.NodeID(nil), chosen...)
			return true
		}
		for i, id := range remaining {
			next := append([]types.NodeID(nil), remaining[:i]...)
			next = append(next, remaining[i+1:]...)
			if walk(next, append(chosen, id)) {
				return true
			}
		}
		return false
	}
	walk(ids, nil)
	return found, found != nil
}

// permutationReachable checks every consecutive hop pair (and us to the
// first hop, for an outbound route) via PeerSource.CanContact.
func (s *Store) permutationReachable(hops []types.NodeID, directions []Direction) bool {
	wantsOutbound, wantsInbound := false, false
	for _, d := range directions {
		if d == DirectionOutbound {
			wantsOutbound = true
		}
		if d == DirectionInbound {
			wantsInbound = true
		}
	}
	if wantsOutbound && len(hops) > 0 {
		if !s.source.CanContact(s.self, hops[0]) {
			return false
		}
	}
	for i := 0; i+1 < len(hops); i++ {
		if !s.source.CanContact(hops[i], hops[i+1]) {
			return false
		}
	}
	if wantsInbound && len(hops) > 0 {
		if !s.source.CanContact(hops[len(hops)-1], s.self) {
			return false
		}
	}
	return true
}

func hopsKey(hops []types.NodeID) string {
	b := make([]byte, 0, len(hops)*types.NodeIDLength)
	for _, h := range hops {
		b = append(b, h[:]...)
	}
	return string(b)
}
