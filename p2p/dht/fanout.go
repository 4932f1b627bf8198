package dht

import (
	"context"
	"sync"

	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
)

// Finder is the slice of routing.Table the fanout needs to seed its
// starting candidate set.
type Finder interface {
	ClosestPeers(target types.NodeID, k int) []types.PeerInfo
}

// RPCClient is the slice of rpc.Processor the fanout needs to query peers.
// Kept as a local interface, consistent with the rest of the core's
// cross-package consumer pattern, even though no import cycle forces it
// here.
type RPCClient interface {
	SendRequest(ctx context.Context, dest types.NodeID, op rpc.Operation, payload []byte) ([]byte, error)
}

// fanoutGet runs the fanout lookup for get_value: start from the
// k closest known peers, query up to width in parallel, and keep pursuing
// closer unqueried peers returned by each answer until timeout or
// exhaustion. The highest-seq validated value seen becomes the result.
func fanoutGet(ctx context.Context, finder Finder, client RPCClient, target types.NodeID, count, width int, req getValueRequest, validate func(SignedValueData) error) (SignedValueData, bool, error) {
	seed := finder.ClosestPeers(target, count)
	if len(seed) == 0 {
		return SignedValueData{}, false, nil
	}

	var mu sync.Mutex
	visited := make(map[types.NodeID]bool)
	queue := peerIDs(seed)
	var best SignedValueData
	haveBest := false

	for len(queue) > 0 {
		batch := queue
		if len(batch) > width {
			batch = batch[:width]
		}
		queue = queue[len(batch):]

		var wg sync.WaitGroup
		newPeers := make([][]types.PeerInfo, len(batch))
		for i, id := range batch {
			mu.Lock()
			if visited[id] {
				mu.Unlock()
				continue
			}
			visited[id] = true
			mu.Unlock()

			wg.Add(1)
			go func(i int, id types.NodeID) {
				defer wg.Done()
				resp, err := client.SendRequest(ctx, id, rpc.OpGetValue, encodeGetValueRequest(req))
				if err != nil {
					return
				}
				gv, err := decodeGetValueResponse(resp)
				if err != nil {
					return
				}
				if gv.Found && validate(gv.Value) == nil {
					mu.Lock()
					if !haveBest || gv.Value.Seq > best.Seq {
						best, haveBest = gv.Value, true
					}
					mu.Unlock()
				}
				newPeers[i] = gv.Peers
			}(i, id)
		}
		wg.Wait()

		for _, peers := range newPeers {
			for _, id := range peerIDs(peers) {
				mu.Lock()
				if !visited[id] {
					queue = append(queue, id)
				}
				mu.Unlock()
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return best, haveBest, nil
}

// fanoutSet runs the fanout push for set_value: the same candidate
// discovery as fanoutGet, but every queried peer is asked to store
// req.Value; a peer answering with a strictly higher seq aborts further
// pushes and its value is returned as the actually-stored value.
func fanoutSet(ctx context.Context, finder Finder, client RPCClient, target types.NodeID, count, width int, req setValueRequest) (accepted bool, conflict SignedValueData, hasConflict bool, err error) {
	seed := finder.ClosestPeers(target, count)
	if len(seed) == 0 {
		return false, SignedValueData{}, false, nil
	}

	var mu sync.Mutex
	visited := make(map[types.NodeID]bool)
	queue := peerIDs(seed)

	for len(queue) > 0 && !hasConflict {
		batch := queue
		if len(batch) > width {
			batch = batch[:width]
		}
		queue = queue[len(batch):]

		var wg sync.WaitGroup
		newPeers := make([][]types.PeerInfo, len(batch))
		for i, id := range batch {
			mu.Lock()
			if visited[id] {
				mu.Unlock()
				continue
			}
			visited[id] = true
			mu.Unlock()

			wg.Add(1)
			go func(i int, id types.NodeID) {
				defer wg.Done()
				resp, sendErr := client.SendRequest(ctx, id, rpc.OpSetValue, encodeSetValueRequest(req))
				if sendErr != nil {
					return
				}
				sv, decErr := decodeSetValueResponse(resp)
				if decErr != nil {
					return
				}
				mu.Lock()
				if sv.Accepted {
					accepted = true
				}
				if sv.Conflict && sv.Value.Seq > req.Value.Seq {
					conflict, hasConflict = sv.Value, true
				}
				mu.Unlock()
				newPeers[i] = sv.Peers
			}(i, id)
		}
		wg.Wait()

		for _, peers := range newPeers {
			for _, id := range peerIDs(peers) {
				mu.Lock()
				if !visited[id] {
					queue = append(queue, id)
				}
				mu.Unlock()
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return accepted, conflict, hasConflict, nil
}

func peerIDs(peers []types.PeerInfo) []types.NodeID {
	out := make([]types.NodeID, 0, len(peers))
	for _, p := range peers {
		for _, tk := range p.NodeIDs {
			out = append(out, tk.Key)
			break
		}
	}
	return out
}
