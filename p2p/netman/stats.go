package netman

import (
	"sync"
	"time"
)

// rollingWindow is the fixed-size ring size for transfer/latency
// accounting. Declared here rather than in package routing so routing can
// import it for per-bucket-entry accounting without creating a cycle back
// into netman.
const rollingWindow = 10

// RollingStats is a fixed-size ring of the last rollingWindow samples for
// bytes transferred and round-trip latency, reused both for per-address
// network-manager accounting and for per-entry routing-table accounting.
type RollingStats struct {
	mu        sync.Mutex
	bytes     [rollingWindow]int64
	latencies [rollingWindow]time.Duration
	next      int // next byte-sample slot
	count     int // byte samples held
	latNext   int // next latency-sample slot
	latCount  int // latency samples held
}

// NewRollingStats returns an empty RollingStats ring.
func NewRollingStats() *RollingStats {
	return &RollingStats{}
}

// RecordTransfer records n bytes moved in one message.
func (s *RollingStats) RecordTransfer(n int) {
	s.mu.Lock()
	s.bytes[s.next] = int64(n)
	s.advanceLocked()
	s.mu.Unlock()
}

// RecordLatency records one observed round-trip latency sample.
func (s *RollingStats) RecordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies[s.latNext] = d
	s.latNext = (s.latNext + 1) % rollingWindow
	if s.latCount < rollingWindow {
		s.latCount++
	}
	s.mu.Unlock()
}

func (s *RollingStats) advanceLocked() {
	s.next = (s.next + 1) % rollingWindow
	if s.count < rollingWindow {
		s.count++
	}
}

// AverageBytes returns the mean of the samples currently in the ring.
func (s *RollingStats) AverageBytes() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < s.count; i++ {
		sum += s.bytes[i]
	}
	return float64(sum) / float64(s.count)
}

// AverageLatency returns the mean of the latency samples currently in the
// ring, or zero if none have been recorded.
func (s *RollingStats) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.latCount; i++ {
		sum += s.latencies[i]
	}
	return sum / time.Duration(s.latCount)
}

// statsTracker keeps one RollingStats per remote socket address, created
// lazily on first use.
type statsTracker struct {
	mu   sync.Mutex
	byAddr map[string]*RollingStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{byAddr: make(map[string]*RollingStats)}
}

func (t *statsTracker) statsFor(addr string) *RollingStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byAddr[addr]
	if !ok {
		s = NewRollingStats()
		t.byAddr[addr] = s
	}
	return s
}

func (t *statsTracker) recordSent(addr string, n int) {
	t.statsFor(addr).RecordTransfer(n)
}

func (t *statsTracker) recordReceived(addr string, n int) {
	t.statsFor(addr).RecordTransfer(n)
}
