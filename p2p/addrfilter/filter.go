// Package addrfilter implements the per-IP-block connection and rate
// limiter: counters/timestamp rings keyed by IPv4 address or IPv6 prefix,
// plus a bounded punishment table and a soft dial-info failure memory. One
// mutex guards everything; critical sections stay short and a background
// purge runs on a tick.
package addrfilter

import (
	"net"
	"sync"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/sirupsen/logrus"
)

// maxPunishmentEntries bounds the punishment table; overflow is silently
// dropped.
const maxPunishmentEntries = 65536

// blockKey identifies an address block: a full IPv4 address, or an IPv6
// /prefixSize network.
type blockKey string

func keyFor(ip net.IP, ip6PrefixSize int) blockKey {
	if v4 := ip.To4(); v4 != nil {
		return blockKey(v4.String())
	}
	mask := net.CIDRMask(ip6PrefixSize, 128)
	return blockKey(ip.Mask(mask).String())
}

type blockState struct {
	count      int
	timestamps []time.Time
}

// Unpuniser is the callback the routing table gives the filter so a
// forgiven punishment can re-validate the matching bucket entry instead of
// leaving it Dead.
type Unpuniser interface {
	Unpunish(ip net.IP)
}

// Filter is the per-IP-block address filter.
type Filter struct {
	cfg config.AddressFilterConfig
	log *logrus.Entry

	mu          sync.Mutex
	blocks      map[blockKey]*blockState
	punishedIP  map[blockKey]time.Time
	punishedKey map[string]time.Time // node-key punishments, keyed by hex
	dialFailed  map[string]time.Time // dial-info string -> failure time

	unpuniser Unpuniser
}

// New builds a Filter. unpuniser may be nil if no routing table callback is
// needed yet (e.g. in isolated tests).
func New(cfg config.AddressFilterConfig, log *logrus.Entry, unpuniser Unpuniser) *Filter {
	return &Filter{
		cfg:         cfg,
		log:         log,
		blocks:      make(map[blockKey]*blockState),
		punishedIP:  make(map[blockKey]time.Time),
		punishedKey: make(map[string]time.Time),
		dialFailed:  make(map[string]time.Time),
		unpuniser:   unpuniser,
	}
}

// AddConnection registers a new inbound connection attempt from ip,
// rejecting punished blocks and blocks over their count or rate limit.
func (f *Filter) AddConnection(ip net.IP, now time.Time) error {
	key := keyFor(ip, f.cfg.IP6PrefixSize)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, punished := f.punishedIP[key]; punished {
		return rpcerr.New(rpcerr.Unauthorized, "address is punished")
	}

	st, ok := f.blocks[key]
	if !ok {
		st = &blockState{}
		f.blocks[key] = st
	}

	limit := f.cfg.MaxConnectionsPerIP4
	if ip.To4() == nil {
		limit = f.cfg.MaxConnectionsPerIP6Prefix
	}
	if st.count >= limit {
		return rpcerr.New(rpcerr.TryAgain, "connection count exceeded for address block")
	}

	cutoff := now.Add(-60 * time.Second)
	recent := st.timestamps[:0]
	for _, ts := range st.timestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	st.timestamps = recent
	if len(st.timestamps) >= f.cfg.MaxConnectionFrequencyPerMin {
		return rpcerr.New(rpcerr.TryAgain, "connection rate exceeded for address block")
	}

	st.count++
	st.timestamps = append(st.timestamps, now)
	return nil
}

// RemoveConnection decrements the live count for ip. The block's entry is
// dropped once its count reaches zero and no timestamps remain in its rate
// window; otherwise Purge drops it after those timestamps age out.
func (f *Filter) RemoveConnection(ip net.IP) {
	key := keyFor(ip, f.cfg.IP6PrefixSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.blocks[key]
	if !ok {
		return
	}
	st.count--
	if st.count <= 0 {
		st.count = 0
		if len(st.timestamps) == 0 {
			delete(f.blocks, key)
		}
	}
}

// CountConnectionsFrom reports the live connection count for ip's block.
func (f *Filter) CountConnectionsFrom(ip net.IP) int {
	key := keyFor(ip, f.cfg.IP6PrefixSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.blocks[key]; ok {
		return st.count
	}
	return 0
}

// PunishIP marks ip's block as punished as of now.
func (f *Filter) PunishIP(ip net.IP, now time.Time) {
	key := keyFor(ip, f.cfg.IP6PrefixSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.punishedIP) >= maxPunishmentEntries {
		f.log.WithField("ip", ip.String()).Warn("punishment table full, dropping entry")
		return
	}
	f.punishedIP[key] = now
}

// PunishNode marks a node key (hex-encoded) as punished as of now.
func (f *Filter) PunishNode(nodeKeyHex string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.punishedKey) >= maxPunishmentEntries {
		return
	}
	f.punishedKey[nodeKeyHex] = now
}

// IsPunished reports whether ip's block is currently punished.
func (f *Filter) IsPunished(ip net.IP) bool {
	key := keyFor(ip, f.cfg.IP6PrefixSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.punishedIP[key]
	return ok
}

// SetDialInfoFailed records a soft failure for a dial-info string (its
// String() form), limiting repeated contact attempts for 10 minutes.
func (f *Filter) SetDialInfoFailed(diString string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialFailed[diString] = now
}

// HasDialInfoFailed reports whether diString failed within the configured
// dial-info failure window.
func (f *Filter) HasDialInfoFailed(diString string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.dialFailed[diString]
	if !ok {
		return false
	}
	return now.Sub(ts) < f.cfg.DialInfoFailureDuration
}

// Purge removes timestamps older than 60s, punishments older than
// PunishmentDuration, and dial-info failures older than
// DialInfoFailureDuration. It runs on a tick.
func (f *Filter) Purge(now time.Time) {
	f.mu.Lock()
	var forgiven []blockKey
	cutoffRate := now.Add(-60 * time.Second)
	for key, st := range f.blocks {
		recent := st.timestamps[:0]
		for _, ts := range st.timestamps {
			if ts.After(cutoffRate) {
				recent = append(recent, ts)
			}
		}
		st.timestamps = recent
		if st.count <= 0 && len(st.timestamps) == 0 {
			delete(f.blocks, key)
		}
	}
	for key, ts := range f.punishedIP {
		if now.Sub(ts) >= f.cfg.PunishmentDuration {
			delete(f.punishedIP, key)
			forgiven = append(forgiven, key)
		}
	}
	for nodeKey, ts := range f.punishedKey {
		if now.Sub(ts) >= f.cfg.PunishmentDuration {
			delete(f.punishedKey, nodeKey)
		}
	}
	for di, ts := range f.dialFailed {
		if now.Sub(ts) >= f.cfg.DialInfoFailureDuration {
			delete(f.dialFailed, di)
		}
	}
	f.mu.Unlock()

	if f.unpuniser == nil {
		return
	}
	for _, key := range forgiven {
		if ip := net.ParseIP(string(key)); ip != nil {
			f.unpuniser.Unpunish(ip)
		}
	}
}
