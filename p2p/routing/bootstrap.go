package routing

import (
	"context"
	"strconv"
	"strings"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// BootstrapRecord is one parsed bootstrap TXT record of form
// `txt_version|envelope_support|node_ids|hostname|dialinfo_shorts`. DNS TXT
// retrieval itself is an external collaborator's job; callers supply
// already-fetched record strings.
type BootstrapRecord struct {
	Version         int
	EnvelopeSupport []string
	NodeIDs         []types.NodeID
	Hostname        string
	DialInfoShorts  []string
}

// ParseBootstrapRecord parses one `|`-delimited bootstrap TXT record. Only
// txt_version 0 is defined; any other version is rejected.
func ParseBootstrapRecord(raw string) (BootstrapRecord, error) {
	fields := strings.Split(raw, "|")
	if len(fields) != 5 {
		return BootstrapRecord{}, rpcerr.New(rpcerr.ParseError, "bootstrap record must have 5 fields")
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return BootstrapRecord{}, rpcerr.Wrapf(rpcerr.ParseError, err, "parsing txt_version")
	}
	if version != 0 {
		return BootstrapRecord{}, rpcerr.New(rpcerr.ParseError, "unsupported bootstrap txt_version")
	}
	var ids []types.NodeID
	for _, s := range strings.Split(fields[2], ",") {
		if s == "" {
			continue
		}
		id, err := types.ParseNodeID(s)
		if err != nil {
			return BootstrapRecord{}, rpcerr.Wrapf(rpcerr.ParseError, err, "parsing bootstrap node id")
		}
		ids = append(ids, id)
	}
	return BootstrapRecord{
		Version:         version,
		EnvelopeSupport: splitNonEmpty(fields[1]),
		NodeIDs:         ids,
		Hostname:        fields[3],
		DialInfoShorts:  splitNonEmpty(fields[4]),
	}, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MergeBootstrapRecords merges records sharing any node id into one.
func MergeBootstrapRecords(records []BootstrapRecord) []BootstrapRecord {
	groups := make([]*BootstrapRecord, 0, len(records))
	indexOf := make(map[types.NodeID]int)

	for _, r := range records {
		merged := -1
		for _, id := range r.NodeIDs {
			if gi, ok := indexOf[id]; ok {
				merged = gi
				break
			}
		}
		if merged == -1 {
			groups = append(groups, &BootstrapRecord{
				Version:         r.Version,
				EnvelopeSupport: append([]string(nil), r.EnvelopeSupport...),
				NodeIDs:         append([]types.NodeID(nil), r.NodeIDs...),
				Hostname:        r.Hostname,
				DialInfoShorts:  append([]string(nil), r.DialInfoShorts...),
			})
			gi := len(groups) - 1
			for _, id := range r.NodeIDs {
				indexOf[id] = gi
			}
			continue
		}
		g := groups[merged]
		g.DialInfoShorts = append(g.DialInfoShorts, r.DialInfoShorts...)
		for _, id := range r.NodeIDs {
			if _, ok := indexOf[id]; !ok {
				g.NodeIDs = append(g.NodeIDs, id)
				indexOf[id] = merged
			}
		}
	}

	out := make([]BootstrapRecord, len(groups))
	for i, g := range groups {
		out[i] = *g
	}
	return out
}

// FindNoder issues a find_node RPC, used both to resolve a bootstrap's
// signed copy and for reverse find-node peer discovery.
// Defined here rather than depending on package rpc to keep routing a leaf
// package.
type FindNoder interface {
	FindNode(ctx context.Context, target types.NodeID) ([]types.PeerInfo, error)
}

// RegisterBootstrapPeers registers every merged bootstrap record's node ids
// into the table without a valid signature. The caller is
// responsible for the subsequent find_node/reverse find_node steps that
// fill in signed copies.
func (t *Table) RegisterBootstrapPeers(records []BootstrapRecord) {
	for _, r := range records {
		for _, id := range r.NodeIDs {
			t.lookupOrCreate(id)
		}
	}
}
