package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

func unixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Finder is the slice of routing.Table the find_node handler needs: the
// k-closest lookup used both to answer find_node requests and to seed the
// DHT's fanout lookups with a local-table shortcut.
type Finder interface {
	ClosestPeers(target types.NodeID, k int) []types.PeerInfo
}

// FindNodeFanout bounds how many peers a find_node answer carries.
const FindNodeFanout = 20

// RegisterFindNode wires a find_node Handler backed by finder, answering
// with the locally known peers closest to the requested target.
func (p *Processor) RegisterFindNode(finder Finder) {
	p.Handle(OpFindNode, func(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
		target, err := decodeNodeID(payload)
		if err != nil {
			return nil, err
		}
		peers := finder.ClosestPeers(target, FindNodeFanout)
		return EncodePeerInfoList(peers), nil
	})
}

// FindNode implements routing.FindNoder: it issues a find_node RPC and
// decodes the answered peer list.
func (p *Processor) FindNode(ctx context.Context, target types.NodeID) ([]types.PeerInfo, error) {
	resp, err := p.SendRequest(ctx, target, OpFindNode, target.Bytes())
	if err != nil {
		return nil, err
	}
	return DecodePeerInfoList(resp)
}

func decodeNodeID(b []byte) (types.NodeID, error) {
	if len(b) != types.NodeIDLength {
		return types.NodeID{}, bytesErr("rpc: malformed node id payload")
	}
	return types.BytesToNodeID(b), nil
}

type bytesErr string

func (e bytesErr) Error() string { return string(e) }

// EncodePeerInfoList/DecodePeerInfoList render a find_node answer: a
// length-prefixed list of PeerInfo, each itself a typed-key list plus a
// per-domain signed node info, following the manual binary codec
// convention used throughout (crypto.Envelope, routespec's hop layers).
func EncodePeerInfoList(peers []types.PeerInfo) []byte {
	var buf bytes.Buffer
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(peers)))
	buf.Write(count[:])
	for _, pi := range peers {
		encodePeerInfo(&buf, pi)
	}
	return buf.Bytes()
}

func DecodePeerInfoList(data []byte) ([]types.PeerInfo, error) {
	r := bytes.NewReader(data)
	var count [2]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(count[:])
	out := make([]types.PeerInfo, 0, n)
	for i := uint16(0); i < n; i++ {
		pi, err := decodePeerInfo(r)
		if err != nil {
			return nil, err
		}
		out = append(out, pi)
	}
	return out, nil
}

func encodePeerInfo(buf *bytes.Buffer, pi types.PeerInfo) {
	var nk [2]byte
	binary.BigEndian.PutUint16(nk[:], uint16(len(pi.NodeIDs)))
	buf.Write(nk[:])
	for _, tk := range pi.NodeIDs {
		buf.Write(tk.Kind[:])
		buf.Write(tk.Key[:])
	}
	buf.WriteByte(byte(len(pi.Signed)))
	for domain, sni := range pi.Signed {
		buf.WriteByte(byte(domain))
		encodeSignedNodeInfo(buf, sni)
	}
}

func decodePeerInfo(r *bytes.Reader) (types.PeerInfo, error) {
	var pi types.PeerInfo
	var nk [2]byte
	if _, err := io.ReadFull(r, nk[:]); err != nil {
		return pi, err
	}
	n := binary.BigEndian.Uint16(nk[:])
	pi.NodeIDs = make([]types.TypedKey, 0, n)
	for i := uint16(0); i < n; i++ {
		var tk types.TypedKey
		if _, err := io.ReadFull(r, tk.Kind[:]); err != nil {
			return pi, err
		}
		if _, err := io.ReadFull(r, tk.Key[:]); err != nil {
			return pi, err
		}
		pi.NodeIDs = append(pi.NodeIDs, tk)
	}
	domainCount, err := r.ReadByte()
	if err != nil {
		return pi, err
	}
	if domainCount > 0 {
		pi.Signed = make(map[types.RoutingDomain]types.SignedNodeInfo, domainCount)
	}
	for i := byte(0); i < domainCount; i++ {
		domainByte, err := r.ReadByte()
		if err != nil {
			return pi, err
		}
		sni, err := decodeSignedNodeInfo(r)
		if err != nil {
			return pi, err
		}
		pi.Signed[types.RoutingDomain(domainByte)] = sni
	}
	return pi, nil
}

func encodeSignedNodeInfo(buf *bytes.Buffer, sni types.SignedNodeInfo) {
	encodeNodeInfo(buf, sni.NodeInfo)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(sni.Timestamp.UnixNano()))
	buf.Write(ts[:])
	writeBytes16(buf, sni.Signature)
}

func decodeSignedNodeInfo(r *bytes.Reader) (types.SignedNodeInfo, error) {
	var sni types.SignedNodeInfo
	ni, err := decodeNodeInfo(r)
	if err != nil {
		return sni, err
	}
	sni.NodeInfo = ni
	var ts [8]byte
	if _, err := io.ReadFull(r, ts[:]); err != nil {
		return sni, err
	}
	sni.Timestamp = unixNano(int64(binary.BigEndian.Uint64(ts[:])))
	sig, err := readBytes16(r)
	if err != nil {
		return sni, err
	}
	sni.Signature = sig
	return sni, nil
}

func encodeNodeInfo(buf *bytes.Buffer, ni types.NodeInfo) {
	buf.WriteByte(byte(ni.Domain))

	var dl [2]byte
	binary.BigEndian.PutUint16(dl[:], uint16(len(ni.DialInfoList)))
	buf.Write(dl[:])
	for _, d := range ni.DialInfoList {
		encodeDialInfoDetail(buf, d)
	}

	var protoCount byte
	for _, ok := range ni.Protocols {
		if ok {
			protoCount++
		}
	}
	buf.WriteByte(protoCount)
	for proto, ok := range ni.Protocols {
		if ok {
			buf.WriteByte(byte(proto))
		}
	}

	buf.WriteByte(ni.Versions.Min)
	buf.WriteByte(ni.Versions.Max)

	flags := byte(0)
	if ni.WillRoute {
		flags |= 1
	}
	if ni.WillRelay {
		flags |= 2
	}
	if ni.WillValidate {
		flags |= 4
	}
	buf.WriteByte(flags)
	buf.Write(ni.RelayNodeID[:])

	buf.WriteByte(byte(len(ni.PublicKeys)))
	for kind, raw := range ni.PublicKeys {
		buf.Write(kind[:])
		writeBytes16(buf, raw.Sign)
		writeBytes16(buf, raw.DH)
	}
}

func decodeNodeInfo(r *bytes.Reader) (types.NodeInfo, error) {
	var ni types.NodeInfo
	domainByte, err := r.ReadByte()
	if err != nil {
		return ni, err
	}
	ni.Domain = types.RoutingDomain(domainByte)

	var dl [2]byte
	if _, err := io.ReadFull(r, dl[:]); err != nil {
		return ni, err
	}
	n := binary.BigEndian.Uint16(dl[:])
	ni.DialInfoList = make([]types.DialInfoDetail, 0, n)
	for i := uint16(0); i < n; i++ {
		d, err := decodeDialInfoDetail(r)
		if err != nil {
			return ni, err
		}
		ni.DialInfoList = append(ni.DialInfoList, d)
	}

	protoCount, err := r.ReadByte()
	if err != nil {
		return ni, err
	}
	if protoCount > 0 {
		ni.Protocols = make(map[types.Protocol]bool, protoCount)
	}
	for i := byte(0); i < protoCount; i++ {
		protoByte, err := r.ReadByte()
		if err != nil {
			return ni, err
		}
		ni.Protocols[types.Protocol(protoByte)] = true
	}

	if ni.Versions.Min, err = r.ReadByte(); err != nil {
		return ni, err
	}
	if ni.Versions.Max, err = r.ReadByte(); err != nil {
		return ni, err
	}

	flags, err := r.ReadByte()
	if err != nil {
		return ni, err
	}
	ni.WillRoute = flags&1 != 0
	ni.WillRelay = flags&2 != 0
	ni.WillValidate = flags&4 != 0
	if _, err := io.ReadFull(r, ni.RelayNodeID[:]); err != nil {
		return ni, err
	}

	keyCount, err := r.ReadByte()
	if err != nil {
		return ni, err
	}
	if keyCount > 0 {
		ni.PublicKeys = make(map[types.CryptoKind]types.RawPublicKey, keyCount)
	}
	for i := byte(0); i < keyCount; i++ {
		var kind types.CryptoKind
		if _, err := io.ReadFull(r, kind[:]); err != nil {
			return ni, err
		}
		sign, err := readBytes16(r)
		if err != nil {
			return ni, err
		}
		dh, err := readBytes16(r)
		if err != nil {
			return ni, err
		}
		ni.PublicKeys[kind] = types.RawPublicKey{Sign: sign, DH: dh}
	}
	return ni, nil
}

func encodeDialInfoDetail(buf *bytes.Buffer, d types.DialInfoDetail) {
	buf.WriteByte(byte(d.DialInfo.Protocol))
	ip4 := d.DialInfo.Address.To4()
	if ip4 != nil {
		buf.WriteByte(4)
		buf.Write(ip4)
	} else {
		buf.WriteByte(16)
		buf.Write(d.DialInfo.Address.To16())
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], d.DialInfo.Port)
	buf.Write(port[:])
	writeBytes16(buf, []byte(d.DialInfo.URL))
	writeBytes16(buf, []byte(d.DialInfo.Path))
	buf.WriteByte(byte(d.Class))
}

func decodeDialInfoDetail(r *bytes.Reader) (types.DialInfoDetail, error) {
	var d types.DialInfoDetail
	protoByte, err := r.ReadByte()
	if err != nil {
		return d, err
	}
	d.DialInfo.Protocol = types.Protocol(protoByte)
	addrLen, err := r.ReadByte()
	if err != nil {
		return d, err
	}
	addr := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addr); err != nil {
		return d, err
	}
	d.DialInfo.Address = net.IP(addr)
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return d, err
	}
	d.DialInfo.Port = binary.BigEndian.Uint16(port[:])
	url, err := readBytes16(r)
	if err != nil {
		return d, err
	}
	d.DialInfo.URL = string(url)
	path, err := readBytes16(r)
	if err != nil {
		return d, err
	}
	d.DialInfo.Path = string(path)
	classByte, err := r.ReadByte()
	if err != nil {
		return d, err
	}
	d.Class = types.DialInfoClass(classByte)
	return d, nil
}

func writeBytes16(buf *bytes.Buffer, b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readBytes16(r *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(l[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
