package routing

import (
	"context"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// DiscoveryLoop drives bootstrap and the periodic peer-discovery task: on
// an empty table, resolve bootstrap records and find-node
// for each; otherwise run reverse_find_node(self) against stale peers until
// the peer count reaches minPeers.
type DiscoveryLoop struct {
	table    *Table
	finder   FindNoder
	minPeers int

	mu          sync.Mutex
	lastContact map[types.NodeID]time.Time
	quit        chan struct{}
	wg          sync.WaitGroup
}

// NewDiscoveryLoop builds a loop over table using finder for find_node RPCs.
func NewDiscoveryLoop(table *Table, finder FindNoder, minPeers int) *DiscoveryLoop {
	return &DiscoveryLoop{
		table:       table,
		finder:      finder,
		minPeers:    minPeers,
		lastContact: make(map[types.NodeID]time.Time),
		quit:        make(chan struct{}),
	}
}

// Bootstrap merges and registers the given records, then find-nodes each
// bootstrap's own id and reverse
// find-node our own id to fill the table.
func (d *DiscoveryLoop) Bootstrap(ctx context.Context, records []BootstrapRecord) error {
	if d.table.Len() > 0 {
		return nil
	}
	merged := MergeBootstrapRecords(records)
	d.table.RegisterBootstrapPeers(merged)

	for _, r := range merged {
		for _, id := range r.NodeIDs {
			if _, err := d.finder.FindNode(ctx, id); err != nil {
				continue
			}
		}
	}
	_, err := d.finder.FindNode(ctx, d.table.self)
	return err
}

// Start runs the periodic peer-discovery task at the given period.
func (d *DiscoveryLoop) Start(period time.Duration) {
	d.wg.Add(1)
	go d.run(period)
}

func (d *DiscoveryLoop) run(period time.Duration) {
	defer d.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-t.C:
			d.tick()
		}
	}
}

func (d *DiscoveryLoop) tick() {
	if d.table.Len() >= d.minPeers {
		return
	}
	target := d.stalestPeer()
	if target.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.finder.FindNode(ctx, d.table.self); err == nil {
		d.mu.Lock()
		d.lastContact[target] = time.Now()
		d.mu.Unlock()
	}
}

// stalestPeer returns a known peer we haven't contacted recently, the
// target of the next reverse find-node probe.
func (d *DiscoveryLoop) stalestPeer() types.NodeID {
	d.table.mu.RLock()
	defer d.table.mu.RUnlock()
	var stalest types.NodeID
	var stalestAt time.Time
	found := false
	for id := range d.table.byID {
		d.mu.Lock()
		at, known := d.lastContact[id]
		d.mu.Unlock()
		if !known || at.Before(stalestAt) || !found {
			stalest, stalestAt, found = id, at, true
		}
	}
	return stalest
}

// Stop halts the periodic task.
func (d *DiscoveryLoop) Stop() {
	close(d.quit)
	d.wg.Wait()
}
