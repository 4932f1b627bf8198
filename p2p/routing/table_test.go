package routing

import (
	"testing"
	"time"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/stretchr/testify/require"
)

func mkID(b byte) types.NodeID {
	var id types.NodeID
	id[len(id)-1] = b
	return id
}

// mkIDBucket0 builds a node id guaranteed to land in bucket index 0 against
// a self id of all-0xFF (first byte's top bit is 0, differing from self's
// top bit of 1), with i encoded across the trailing bytes so many distinct
// ids are available, more than mkID's single-byte range allows.
func mkIDBucket0(i int) types.NodeID {
	var id types.NodeID
	id[len(id)-4] = byte(i >> 24)
	id[len(id)-3] = byte(i >> 16)
	id[len(id)-2] = byte(i >> 8)
	id[len(id)-1] = byte(i)
	return id
}

func mkFlow() types.Flow {
	return types.Flow{Remote: types.PeerAddress{Protocol: types.ProtocolUDP, Socket: "10.0.0.1:1"}}
}

// TestReliabilityMonotonicityUnderSuccess: a peer seen continuously
// without any failed_to_send reaches Reliable once
// firstConsecutiveSeen is old enough.
func TestReliabilityMonotonicityUnderSuccess(t *testing.T) {
	tbl := New(mkID(0xFF), types.VersionRange{Min: 0, Max: 1})
	peer := mkID(0x01)
	tbl.RegisterNode(peer, mkFlow(), types.VersionRange{Min: 0, Max: 1})
	require.Equal(t, Unreliable, tbl.Reliability(peer))

	e := tbl.byID[peer]
	e.mu.Lock()
	e.firstConsecutiveSeen = time.Now().Add(-reliableAfter - time.Second)
	e.mu.Unlock()

	require.Equal(t, Reliable, tbl.Reliability(peer))
}

// TestReliabilityDemotionAndRecoveryOnTraffic: three consecutive
// failed_to_send events make the peer Dead, and the peer
// recovers to Unreliable (never straight to Reliable) as soon as it is
// heard from again, whether by us successfully answering it or by it
// successfully sending us a question.
func TestReliabilityDemotionAndRecoveryOnTraffic(t *testing.T) {
	tbl := New(mkID(0xFF), types.VersionRange{Min: 0, Max: 1})
	peer := mkID(0x01)
	tbl.RegisterNode(peer, mkFlow(), types.VersionRange{Min: 0, Max: 1})

	tbl.RecordSendFailure(peer)
	tbl.RecordSendFailure(peer)
	tbl.RecordSendFailure(peer)
	require.Equal(t, Dead, tbl.Reliability(peer))

	// Ordinary inbound traffic (RegisterNode's recordQuestionReceived path)
	// must revive a Dead peer to Unreliable, not leave it permanently Dead.
	tbl.RegisterNode(peer, mkFlow(), types.VersionRange{Min: 0, Max: 1})
	require.Equal(t, Unreliable, tbl.Reliability(peer))

	// Re-demote and confirm recovery via RecordSendSuccess (the "we answered
	// successfully" / "we sent successfully" path) too.
	tbl.RecordSendFailure(peer)
	tbl.RecordSendFailure(peer)
	tbl.RecordSendFailure(peer)
	require.Equal(t, Dead, tbl.Reliability(peer))
	tbl.RecordSendSuccess(peer)
	require.Equal(t, Unreliable, tbl.Reliability(peer))
}

// TestBucketUniqueness: after any sequence of registrations, exactly one
// bucket holds exactly one entry per node id.
func TestBucketUniqueness(t *testing.T) {
	tbl := New(mkID(0xFF), types.VersionRange{Min: 0, Max: 1})
	ids := []types.NodeID{mkID(1), mkID(2), mkID(3)}
	for _, id := range ids {
		tbl.RegisterNode(id, mkFlow(), types.VersionRange{Min: 0, Max: 1})
	}
	require.Equal(t, len(ids), tbl.Len())
	for _, b := range tbl.buckets {
		seen := map[types.NodeID]bool{}
		for _, e := range b.entries {
			require.False(t, seen[e.id], "duplicate entry in one bucket")
			seen[e.id] = true
		}
	}
}

// TestKickRemovesDroppedEntriesFromByID ensures a bucket kicked past its
// depth limit does not leave the dropped entry reachable via byID-backed
// accessors (Len, Reliability, PeerInfo): the depth limit is meant to
// bound the table's total size, not just per-bucket slice length.
func TestKickRemovesDroppedEntriesFromByID(t *testing.T) {
	var self types.NodeID
	for i := range self {
		self[i] = 0xFF
	}
	tbl := New(self, types.VersionRange{Min: 0, Max: 1})

	idx := tbl.bucketIndex(mkIDBucket0(0))
	depth := depthFor(idx)

	// Fill the bucket to its depth limit, then make the first entry Dead
	// (last_seen far enough in the past) so the next registration has a
	// kick candidate and must evict it.
	var first types.NodeID
	for i := 0; i < depth; i++ {
		id := mkIDBucket0(i)
		require.Equal(t, idx, tbl.bucketIndex(id), "fixture ids must land in the same bucket")
		if i == 0 {
			first = id
		}
		tbl.RegisterNode(id, mkFlow(), types.VersionRange{Min: 0, Max: 1})
	}
	require.Equal(t, depth, tbl.Len())

	e := tbl.byID[first]
	e.mu.Lock()
	e.lastSeen = time.Now().Add(-deadAfterLastSeen - time.Second)
	e.mu.Unlock()
	require.Equal(t, Dead, tbl.Reliability(first))

	overflow := mkIDBucket0(depth)
	tbl.RegisterNode(overflow, mkFlow(), types.VersionRange{Min: 0, Max: 1})

	// The bucket stayed at its depth limit, and the kicked Dead entry must
	// no longer be reachable through byID (Len, Reliability, ...).
	require.Equal(t, depth, tbl.Len())
	_, stillPresent := tbl.byID[first]
	require.False(t, stillPresent, "kicked entry must be removed from byID")
	require.Equal(t, Dead, tbl.Reliability(first), "Reliability falls back to Dead for an unknown id")

	total := 0
	for _, b := range tbl.buckets {
		total += len(b.entries)
	}
	require.Equal(t, total, tbl.Len(), "byID must not outlive bucket membership")
}
