package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
)

// validateDialInfoRequest asks the receiving peer to confirm that
// TargetDialInfo is reachable from the outside.
// Redirect asks the receiver to hand the actual reachback
// off to one of its own known peers rather than doing it itself, modeling
// "ask a redirected peer to connect back" / "probe from another peer".
// FromRandomPort asks whichever peer performs the reachback to send from a
// fresh ephemeral source port, the address-vs-port-restricted distinguisher.
type validateDialInfoRequest struct {
	TargetDialInfo types.DialInfo
	Redirect       bool
	FromRandomPort bool
	Receipt        []byte
}

// validateDialInfoResponse only acknowledges that a reachback attempt was
// made (or handed off); the real signal is whether the requester's receipt
// fires within its timeout.
type validateDialInfoResponse struct {
	Attempted bool
}

func encodeValidateDialInfoRequest(req validateDialInfoRequest) []byte {
	var buf bytes.Buffer
	encodeDialInfo(&buf, req.TargetDialInfo)
	writeFlags(&buf, req.Redirect, req.FromRandomPort)
	writeShortString(&buf, string(req.Receipt))
	return buf.Bytes()
}

func decodeValidateDialInfoRequest(data []byte) (validateDialInfoRequest, error) {
	var req validateDialInfoRequest
	r := bytes.NewReader(data)
	di, err := decodeDialInfo(r)
	if err != nil {
		return req, err
	}
	req.TargetDialInfo = di
	redirect, randomPort, err := readFlags(r)
	if err != nil {
		return req, err
	}
	req.Redirect, req.FromRandomPort = redirect, randomPort
	receipt, err := readShortString(r)
	if err != nil {
		return req, err
	}
	req.Receipt = []byte(receipt)
	return req, nil
}

func encodeValidateDialInfoResponse(resp validateDialInfoResponse) []byte {
	if resp.Attempted {
		return []byte{1}
	}
	return []byte{0}
}

func decodeValidateDialInfoResponse(data []byte) (validateDialInfoResponse, error) {
	if len(data) == 0 {
		return validateDialInfoResponse{}, nil
	}
	return validateDialInfoResponse{Attempted: data[0] != 0}, nil
}

func writeFlags(buf *bytes.Buffer, redirect, randomPort bool) {
	var f byte
	if redirect {
		f |= 1
	}
	if randomPort {
		f |= 2
	}
	buf.WriteByte(f)
}

func readFlags(r *bytes.Reader) (redirect, randomPort bool, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, false, err
	}
	return b&1 != 0, b&2 != 0, nil
}

func encodeDialInfo(buf *bytes.Buffer, di types.DialInfo) {
	buf.WriteByte(byte(di.Protocol))
	ip4 := di.Address.To4()
	if ip4 != nil {
		buf.WriteByte(4)
		buf.Write(ip4)
	} else {
		buf.WriteByte(16)
		buf.Write(di.Address.To16())
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], di.Port)
	buf.Write(port[:])
}

func decodeDialInfo(r *bytes.Reader) (types.DialInfo, error) {
	var di types.DialInfo
	protoByte, err := r.ReadByte()
	if err != nil {
		return di, err
	}
	di.Protocol = types.Protocol(protoByte)
	addrLen, err := r.ReadByte()
	if err != nil {
		return di, err
	}
	addr := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addr); err != nil {
		return di, err
	}
	di.Address = net.IP(addr)
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return di, err
	}
	di.Port = binary.BigEndian.Uint16(port[:])
	return di, nil
}

// handleValidateDialInfo implements the receiving side of the reachback
// probe: either perform the dial-back ourselves, or hand it off
// once to another known peer when Redirect is set.
func (m *Manager) handleValidateDialInfo(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	req, err := decodeValidateDialInfoRequest(payload)
	if err != nil {
		return nil, err
	}

	if req.Redirect {
		redirectTo, ok := m.pickRedirectPeer(source)
		if !ok {
			return encodeValidateDialInfoResponse(validateDialInfoResponse{Attempted: false}), nil
		}
		forward := validateDialInfoRequest{
			TargetDialInfo: req.TargetDialInfo,
			Redirect:       false,
			FromRandomPort: req.FromRandomPort,
			Receipt:        req.Receipt,
		}
		go func() {
			fctx, cancel := context.WithTimeout(context.Background(), m.dht.ValidateDialInfoReceiptTimeMS)
			defer cancel()
			_, _ = m.client.SendRequest(fctx, redirectTo, rpc.OpValidateDialInfo, encodeValidateDialInfoRequest(forward))
		}()
		return encodeValidateDialInfoResponse(validateDialInfoResponse{Attempted: true}), nil
	}

	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), m.dht.ValidateDialInfoReceiptTimeMS)
		defer cancel()
		_ = m.prober.SendDataUnboundToDialInfo(fctx, req.TargetDialInfo, req.Receipt)
	}()
	return encodeValidateDialInfoResponse(validateDialInfoResponse{Attempted: true}), nil
}

// pickRedirectPeer chooses a known peer other than exclude to carry out a
// redirected reachback.
func (m *Manager) pickRedirectPeer(exclude types.NodeID) (types.NodeID, bool) {
	for _, id := range m.finder.SelectValidators(8) {
		if id != exclude {
			return id, true
		}
	}
	return types.NodeID{}, false
}

// reachback asks via via the validate_dial_info RPC to confirm target is
// reachable, and reports whether a matching receipt arrived within the
// configured timeout.
func (m *Manager) reachback(ctx context.Context, via types.NodeID, target types.DialInfo, redirect, randomPort bool) bool {
	done := make(chan struct{}, 1)
	receipt, err := m.prober.GenerateReceipt(nil, m.dht.ValidateDialInfoReceiptTimeMS, 1, func([]byte) {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return false
	}

	req := validateDialInfoRequest{TargetDialInfo: target, Redirect: redirect, FromRandomPort: randomPort, Receipt: receipt}
	resp, err := m.client.SendRequest(ctx, via, rpc.OpValidateDialInfo, encodeValidateDialInfoRequest(req))
	if err != nil {
		return false
	}
	if ack, err := decodeValidateDialInfoResponse(resp); err != nil || !ack.Attempted {
		return false
	}

	timer := time.NewTimer(m.dht.ValidateDialInfoReceiptTimeMS)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
