package routing

import (
	"context"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// Pinger issues a liveness probe to a node and reports success. The rpc
// processor implements this (a `status` question/answer round trip);
// defined here rather than imported from package rpc to avoid a dependency
// cycle (rpc's Sender interface is satisfied by netman.Manager, and routing
// must stay a leaf the other direction too).
type Pinger interface {
	Ping(ctx context.Context, id types.NodeID) error
}

// PingValidator runs the per-entry ping schedule: relay nodes (reliable
// peers advertising will_relay) get one ping on every tick, not one per
// dial info, reliable
// nodes on an exponential backoff, unreliable nodes on a fixed short
// interval during their validation span, dead nodes never.
type PingValidator struct {
	table  *Table
	pinger Pinger

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPingValidator builds a validator over table, using pinger to issue
// liveness probes.
func NewPingValidator(table *Table, pinger Pinger) *PingValidator {
	return &PingValidator{table: table, pinger: pinger, quit: make(chan struct{})}
}

// Start runs the tick loop at the given period until Stop is called.
func (v *PingValidator) Start(tick time.Duration) {
	v.wg.Add(1)
	go v.run(tick)
}

func (v *PingValidator) run(tick time.Duration) {
	defer v.wg.Done()
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-v.quit:
			return
		case now := <-t.C:
			v.tick(now)
		}
	}
}

// Stop halts the tick loop and waits for it to exit.
func (v *PingValidator) Stop() {
	close(v.quit)
	v.wg.Wait()
}

func (v *PingValidator) tick(now time.Time) {
	v.table.mu.RLock()
	entries := make([]*entry, 0, len(v.table.byID))
	for _, e := range v.table.byID {
		entries = append(entries, e)
	}
	v.table.mu.RUnlock()

	for _, e := range entries {
		if v.needsPing(e, now) {
			go v.ping(e, now)
		}
	}
}

func (v *PingValidator) needsPing(e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.reliability(now)
	switch r {
	case Dead:
		return false
	case Unreliable:
		if e.unreliableSince.IsZero() {
			e.unreliableSince = now
		}
		if now.Sub(e.unreliableSince) > unreliablePingSpan {
			// Missed the validation span: reset and require the full
			// span again.
			e.unreliableSince = now
		}
		if now.Sub(e.lastPingAttempt) < unreliablePingInterval {
			return false
		}
		e.lastPingAttempt = now
		return true
	case Reliable:
		willRelay := false
		for _, sni := range e.signed {
			if sni.NodeInfo.WillRelay {
				willRelay = true
			}
		}
		if willRelay {
			// Relay nodes get one ping on every tick; it is not
			// repeated per advertised dial info.
			e.lastPingAttempt = now
			return true
		}
		if e.nextPingInterval == 0 {
			e.nextPingInterval = reliablePingStart
		}
		if now.Sub(e.lastPingAttempt) < e.nextPingInterval {
			return false
		}
		e.lastPingAttempt = now
		return true
	}
	return false
}

func (v *PingValidator) ping(e *entry, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := v.pinger.Ping(ctx, e.id)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failedToSend++
		e.firstConsecutiveSeen = time.Time{}
		return
	}
	e.lastSeen = now
	e.lastSeenValid = true
	if e.failedToSend > 0 {
		e.failedToSend = 0
	}
	if e.firstConsecutiveSeen.IsZero() {
		e.firstConsecutiveSeen = now
	}
	if e.nextPingInterval == 0 {
		e.nextPingInterval = reliablePingStart
	} else {
		e.nextPingInterval *= 2
		if e.nextPingInterval > reliablePingMax {
			e.nextPingInterval = reliablePingMax
		}
	}
}
