package discovery

import (
	"context"
	"net"
	"strconv"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

const minAddressSamples = 5

// Detect runs one full pass of the NAT class decision tree for the
// protocol this Manager was configured with.
func (m *Manager) Detect(ctx context.Context) (types.DialInfoClass, error) {
	candidates := m.finder.SelectValidators(minAddressSamples * 2)
	if len(candidates) < minAddressSamples {
		return 0, rpcerr.New(rpcerr.TryAgain, "discovery: not enough validator candidates")
	}

	samples := m.sampleAddresses(ctx, candidates, minAddressSamples)
	if len(samples) < minAddressSamples {
		return 0, errNoSamples
	}
	sortPreferringLocalPort(samples, m.listenPort)

	if addr, ok := m.matchesLocalInterface(samples); ok {
		if m.reachback(ctx, samples[0].from, addr, true, false) {
			return types.ClassDirect, nil
		}
		return types.ClassBlocked, nil
	}

	consistent, tuple, ok := consistentTuple(samples)
	if !ok {
		return types.ClassSymmetricNAT, nil
	}

	external, err := socketToDialInfo(m.protocol, tuple)
	if err != nil {
		return 0, err
	}

	if m.cfg.UPnP {
		if mapped, err := m.mapUPnP(ctx, external.Port); err == nil && mapped {
			if m.reachback(ctx, samples[0].from, external, true, false) {
				return types.ClassMapped, nil
			}
		}
	}

	return m.detectRestricted(ctx, consistent, external)
}

// detectRestricted runs the two-probe protocol. Probe (a) asks
// the first sample's peer to validate reachability via a redirected
// connect-back; a single success already means FullConeNAT, but since a
// restricted NAT can let a redirected probe through by luck, (a) is retried
// up to RestrictedNATRetries times and only counts as full-cone if every
// attempt succeeds. Once (a) fails, probe (b) asks a second, distinct peer
// to connect back from a fresh source port: success distinguishes
// AddressRestrictedNAT from PortRestrictedNAT.
func (m *Manager) detectRestricted(ctx context.Context, samples []addressSample, external types.DialInfo) (types.DialInfoClass, error) {
	retries := m.cfg.RestrictedNATRetries
	if retries < 1 {
		retries = 1
	}

	fullCone := true
	for attempt := 0; attempt < retries; attempt++ {
		if !m.reachback(ctx, samples[0].from, external, true, false) {
			fullCone = false
			break
		}
	}
	if fullCone {
		return types.ClassFullConeNAT, nil
	}

	second, ok := secondPeer(samples, samples[0].from)
	if !ok {
		return types.ClassPortRestrictedNAT, nil
	}
	if m.reachback(ctx, second, external, false, true) {
		return types.ClassAddressRestrictedNAT, nil
	}
	return types.ClassPortRestrictedNAT, nil
}

func secondPeer(samples []addressSample, exclude types.NodeID) (types.NodeID, bool) {
	for _, s := range samples {
		if s.from != exclude {
			return s.from, true
		}
	}
	return types.NodeID{}, false
}

// matchesLocalInterface reports whether any sample's host matches one of
// our own listening interface addresses, and
// returns the matching dial info to reachback-validate.
func (m *Manager) matchesLocalInterface(samples []addressSample) (types.DialInfo, bool) {
	for _, s := range samples {
		host, port, err := splitSocket(s.address.Socket)
		if err != nil {
			continue
		}
		for _, local := range m.localAddrs {
			if local.Equal(host) {
				return types.DialInfo{Protocol: m.protocol, Address: host, Port: port}, true
			}
		}
	}
	return types.DialInfo{}, false
}

// consistentTuple reports whether every sample agrees on one (host, port)
// tuple; any disagreement means a symmetric NAT. It returns the samples
// sharing the majority tuple.
func consistentTuple(samples []addressSample) ([]addressSample, string, bool) {
	counts := make(map[string][]addressSample)
	for _, s := range samples {
		counts[s.address.Socket] = append(counts[s.address.Socket], s)
	}
	if len(counts) != 1 {
		return nil, "", false
	}
	for tuple, group := range counts {
		if len(group) < 2 {
			return nil, "", false
		}
		return group, tuple, true
	}
	return nil, "", false
}

func socketToDialInfo(proto types.Protocol, socket string) (types.DialInfo, error) {
	host, port, err := splitSocket(socket)
	if err != nil {
		return types.DialInfo{}, err
	}
	return types.DialInfo{Protocol: proto, Address: host, Port: port}, nil
}

func splitSocket(socket string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(socket)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, rpcerr.New(rpcerr.InvalidArgument, "discovery: invalid sampled address")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, rpcerr.Wrapf(rpcerr.InvalidArgument, err, "discovery: invalid sampled port")
	}
	return ip, uint16(port), nil
}

// sortPreferringLocalPort moves samples whose port equals our local
// listening port to the front.
func sortPreferringLocalPort(samples []addressSample, listenPort uint16) {
	matchIdx := 0
	for i, s := range samples {
		if _, port, err := splitSocket(s.address.Socket); err == nil && port == listenPort {
			samples[matchIdx], samples[i] = samples[i], samples[matchIdx]
			matchIdx++
		}
	}
}
