package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// addressSample is one peer's report of the external socket address it
// observed our traffic arriving from.
type addressSample struct {
	from    types.NodeID
	address types.PeerAddress
}

func (m *Manager) registerHandlers() {
	m.client.Handle(rpc.OpStatus, m.handleStatus)
	m.client.Handle(rpc.OpValidateDialInfo, m.handleValidateDialInfo)
}

// handleStatus answers both a plain liveness ping (rpc.Processor.Ping sends
// a nil payload) and an address-sample request: it reports the socket
// address source's traffic was last observed arriving from.
func (m *Manager) handleStatus(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	addr, ok := m.observer.ObservedAddress(source)
	if !ok {
		return []byte{0}, nil
	}
	return encodeStatusResponse(addr), nil
}

func encodeStatusResponse(addr types.PeerAddress) []byte {
	var buf bytes.Buffer
	buf.WriteByte(1)
	buf.WriteByte(byte(addr.Protocol))
	writeShortString(&buf, addr.Socket)
	return buf.Bytes()
}

func decodeStatusResponse(data []byte) (types.PeerAddress, bool, error) {
	if len(data) == 0 {
		return types.PeerAddress{}, false, nil
	}
	r := bytes.NewReader(data)
	found, err := r.ReadByte()
	if err != nil {
		return types.PeerAddress{}, false, err
	}
	if found == 0 {
		return types.PeerAddress{}, false, nil
	}
	protoByte, err := r.ReadByte()
	if err != nil {
		return types.PeerAddress{}, false, err
	}
	socket, err := readShortString(r)
	if err != nil {
		return types.PeerAddress{}, false, err
	}
	return types.PeerAddress{Protocol: types.Protocol(protoByte), Socket: socket}, true, nil
}

// sampleAddresses queries candidates via the status RPC until at least min
// samples are collected or every candidate has answered.
func (m *Manager) sampleAddresses(ctx context.Context, candidates []types.NodeID, min int) []addressSample {
	var samples []addressSample
	for _, id := range candidates {
		resp, err := m.client.SendRequest(ctx, id, rpc.OpStatus, nil)
		if err != nil {
			continue
		}
		addr, ok, err := decodeStatusResponse(resp)
		if err != nil || !ok {
			continue
		}
		samples = append(samples, addressSample{from: id, address: addr})
		if len(samples) >= min {
			break
		}
	}
	return samples
}

func writeShortString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readShortString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

var errNoSamples = rpcerr.New(rpcerr.TryAgain, "discovery: not enough address samples")
