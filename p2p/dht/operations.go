package dht

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
)

// getValueRequest/getValueResponse are the get_value RPC's wire payloads.
// A response
// carries the value when this node has it, plus a peer list so the fanout
// can continue toward closer nodes otherwise (the standard Kademlia
// find-value shape).
type getValueRequest struct {
	Key          types.TypedKey
	Subkey       uint32
	ForceRefresh bool
}

type getValueResponse struct {
	Found bool
	Value SignedValueData
	Peers []types.PeerInfo
}

func encodeGetValueRequest(r getValueRequest) []byte {
	var buf bytes.Buffer
	writeTypedKey(&buf, r.Key)
	writeUint32(&buf, r.Subkey)
	writeBool(&buf, r.ForceRefresh)
	return buf.Bytes()
}

func decodeGetValueRequest(data []byte) (getValueRequest, error) {
	var r getValueRequest
	br := bytes.NewReader(data)
	var err error
	if r.Key, err = readTypedKey(br); err != nil {
		return r, err
	}
	if r.Subkey, err = readUint32(br); err != nil {
		return r, err
	}
	r.ForceRefresh, err = readBool(br)
	return r, err
}

func encodeGetValueResponse(r getValueResponse) []byte {
	var buf bytes.Buffer
	writeBool(&buf, r.Found)
	if r.Found {
		writeBytesLen32(&buf, encodeSignedValueData(r.Value))
	}
	writeBytesLen32(&buf, rpc.EncodePeerInfoList(r.Peers))
	return buf.Bytes()
}

func decodeGetValueResponse(data []byte) (getValueResponse, error) {
	var r getValueResponse
	br := bytes.NewReader(data)
	found, err := readBool(br)
	if err != nil {
		return r, err
	}
	r.Found = found
	if found {
		raw, err := readBytesLen32(br)
		if err != nil {
			return r, err
		}
		if r.Value, err = decodeSignedValueData(raw); err != nil {
			return r, err
		}
	}
	raw, err := readBytesLen32(br)
	if err != nil {
		return r, err
	}
	r.Peers, err = rpc.DecodePeerInfoList(raw)
	return r, err
}

// setValueRequest/setValueResponse are the set_value RPC's wire payloads.
// A response may carry a conflicting, strictly-higher-seq value the
// receiving peer already held, which aborts further pushes.
type setValueRequest struct {
	Key   types.TypedKey
	Owner crypto.PublicKey
	Schema Schema
	Subkey uint32
	Value  SignedValueData
}

type setValueResponse struct {
	Accepted bool
	Conflict bool
	Value    SignedValueData
	Peers    []types.PeerInfo
}

func encodeSetValueRequest(r setValueRequest) []byte {
	var buf bytes.Buffer
	writeTypedKey(&buf, r.Key)
	writeKeyedBytes(&buf, r.Owner.Sign)
	writeKeyedBytes(&buf, r.Owner.DH)
	writeBytesLen32(&buf, r.Schema.Encode())
	writeUint32(&buf, r.Subkey)
	writeBytesLen32(&buf, encodeSignedValueData(r.Value))
	return buf.Bytes()
}

func decodeSetValueRequest(data []byte) (setValueRequest, error) {
	var r setValueRequest
	br := bytes.NewReader(data)
	var err error
	if r.Key, err = readTypedKey(br); err != nil {
		return r, err
	}
	sign, err := readKeyedBytes(br)
	if err != nil {
		return r, err
	}
	dh, err := readKeyedBytes(br)
	if err != nil {
		return r, err
	}
	r.Owner = crypto.PublicKey{Sign: sign, DH: dh}
	schemaBytes, err := readBytesLen32(br)
	if err != nil {
		return r, err
	}
	if r.Schema, err = DecodeSchema(schemaBytes); err != nil {
		return r, err
	}
	if r.Subkey, err = readUint32(br); err != nil {
		return r, err
	}
	valueBytes, err := readBytesLen32(br)
	if err != nil {
		return r, err
	}
	r.Value, err = decodeSignedValueData(valueBytes)
	return r, err
}

func encodeSetValueResponse(r setValueResponse) []byte {
	var buf bytes.Buffer
	writeBool(&buf, r.Accepted)
	writeBool(&buf, r.Conflict)
	if r.Conflict {
		writeBytesLen32(&buf, encodeSignedValueData(r.Value))
	}
	writeBytesLen32(&buf, rpc.EncodePeerInfoList(r.Peers))
	return buf.Bytes()
}

func decodeSetValueResponse(data []byte) (setValueResponse, error) {
	var r setValueResponse
	br := bytes.NewReader(data)
	var err error
	if r.Accepted, err = readBool(br); err != nil {
		return r, err
	}
	if r.Conflict, err = readBool(br); err != nil {
		return r, err
	}
	if r.Conflict {
		raw, err := readBytesLen32(br)
		if err != nil {
			return r, err
		}
		if r.Value, err = decodeSignedValueData(raw); err != nil {
			return r, err
		}
	}
	raw, err := readBytesLen32(br)
	if err != nil {
		return r, err
	}
	r.Peers, err = rpc.DecodePeerInfoList(raw)
	return r, err
}

// watchValueRequest/watchValueResponse are the watch_value RPC's wire
// payloads.
type watchValueRequest struct {
	Key            types.TypedKey
	SubkeyRanges   [][2]uint32
	ExpirationUnix int64
	Count          uint32
}

type watchValueResponse struct {
	Granted        bool
	ExpirationUnix int64
	Count          uint32
}

func encodeWatchValueRequest(r watchValueRequest) []byte {
	var buf bytes.Buffer
	writeTypedKey(&buf, r.Key)
	buf.WriteByte(byte(len(r.SubkeyRanges)))
	for _, rg := range r.SubkeyRanges {
		writeUint32(&buf, rg[0])
		writeUint32(&buf, rg[1])
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.ExpirationUnix))
	buf.Write(ts[:])
	writeUint32(&buf, r.Count)
	return buf.Bytes()
}

func decodeWatchValueRequest(data []byte) (watchValueRequest, error) {
	var r watchValueRequest
	br := bytes.NewReader(data)
	var err error
	if r.Key, err = readTypedKey(br); err != nil {
		return r, err
	}
	n, err := br.ReadByte()
	if err != nil {
		return r, err
	}
	r.SubkeyRanges = make([][2]uint32, 0, n)
	for i := byte(0); i < n; i++ {
		lo, err := readUint32(br)
		if err != nil {
			return r, err
		}
		hi, err := readUint32(br)
		if err != nil {
			return r, err
		}
		r.SubkeyRanges = append(r.SubkeyRanges, [2]uint32{lo, hi})
	}
	var ts [8]byte
	if _, err := io.ReadFull(br, ts[:]); err != nil {
		return r, err
	}
	r.ExpirationUnix = int64(binary.BigEndian.Uint64(ts[:]))
	r.Count, err = readUint32(br)
	return r, err
}

func encodeWatchValueResponse(r watchValueResponse) []byte {
	var buf bytes.Buffer
	writeBool(&buf, r.Granted)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.ExpirationUnix))
	buf.Write(ts[:])
	writeUint32(&buf, r.Count)
	return buf.Bytes()
}

func decodeWatchValueResponse(data []byte) (watchValueResponse, error) {
	var r watchValueResponse
	br := bytes.NewReader(data)
	var err error
	if r.Granted, err = readBool(br); err != nil {
		return r, err
	}
	var ts [8]byte
	if _, err := io.ReadFull(br, ts[:]); err != nil {
		return r, err
	}
	r.ExpirationUnix = int64(binary.BigEndian.Uint64(ts[:]))
	r.Count, err = readUint32(br)
	return r, err
}

// valueChangedRequest is the push a record holder sends a watcher when a
// watched subkey changes. Remaining is
// the watch's count after this notification, so the watcher can retire its
// own bookkeeping without a round trip back to the holder.
type valueChangedRequest struct {
	Key       types.TypedKey
	Subkey    uint32
	Value     SignedValueData
	Remaining uint32
}

type valueChangedResponse struct{}

func encodeValueChangedRequest(r valueChangedRequest) []byte {
	var buf bytes.Buffer
	writeTypedKey(&buf, r.Key)
	writeUint32(&buf, r.Subkey)
	writeBytesLen32(&buf, encodeSignedValueData(r.Value))
	writeUint32(&buf, r.Remaining)
	return buf.Bytes()
}

func decodeValueChangedRequest(data []byte) (valueChangedRequest, error) {
	var r valueChangedRequest
	br := bytes.NewReader(data)
	var err error
	if r.Key, err = readTypedKey(br); err != nil {
		return r, err
	}
	if r.Subkey, err = readUint32(br); err != nil {
		return r, err
	}
	raw, err := readBytesLen32(br)
	if err != nil {
		return r, err
	}
	if r.Value, err = decodeSignedValueData(raw); err != nil {
		return r, err
	}
	r.Remaining, err = readUint32(br)
	return r, err
}

func encodeValueChangedResponse(valueChangedResponse) []byte { return nil }

func decodeValueChangedResponse([]byte) (valueChangedResponse, error) {
	return valueChangedResponse{}, nil
}

// InspectScope distinguishes why inspect_value is being called, kept a sum
// type rather than a pair of bools because the fanout behavior differs per
// scope.
type InspectScope int

const (
	InspectLocal InspectScope = iota
	InspectSyncGet
	InspectSyncSet
	InspectUpdateGet
	InspectUpdateSet
)

type inspectValueRequest struct {
	Key          types.TypedKey
	SubkeyRanges [][2]uint32
	Scope        InspectScope
}

type subkeySeq struct {
	Subkey uint32
	Seq    uint32
}

type inspectValueResponse struct {
	Seqs []subkeySeq
}

func encodeInspectValueRequest(r inspectValueRequest) []byte {
	var buf bytes.Buffer
	writeTypedKey(&buf, r.Key)
	buf.WriteByte(byte(len(r.SubkeyRanges)))
	for _, rg := range r.SubkeyRanges {
		writeUint32(&buf, rg[0])
		writeUint32(&buf, rg[1])
	}
	buf.WriteByte(byte(r.Scope))
	return buf.Bytes()
}

func decodeInspectValueRequest(data []byte) (inspectValueRequest, error) {
	var r inspectValueRequest
	br := bytes.NewReader(data)
	var err error
	if r.Key, err = readTypedKey(br); err != nil {
		return r, err
	}
	n, err := br.ReadByte()
	if err != nil {
		return r, err
	}
	r.SubkeyRanges = make([][2]uint32, 0, n)
	for i := byte(0); i < n; i++ {
		lo, err := readUint32(br)
		if err != nil {
			return r, err
		}
		hi, err := readUint32(br)
		if err != nil {
			return r, err
		}
		r.SubkeyRanges = append(r.SubkeyRanges, [2]uint32{lo, hi})
	}
	scopeByte, err := br.ReadByte()
	if err != nil {
		return r, err
	}
	r.Scope = InspectScope(scopeByte)
	return r, nil
}

func encodeInspectValueResponse(r inspectValueResponse) []byte {
	var buf bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(r.Seqs)))
	buf.Write(n[:])
	for _, s := range r.Seqs {
		writeUint32(&buf, s.Subkey)
		writeUint32(&buf, s.Seq)
	}
	return buf.Bytes()
}

func decodeInspectValueResponse(data []byte) (inspectValueResponse, error) {
	var r inspectValueResponse
	br := bytes.NewReader(data)
	var n [2]byte
	if _, err := io.ReadFull(br, n[:]); err != nil {
		return r, err
	}
	count := binary.BigEndian.Uint16(n[:])
	r.Seqs = make([]subkeySeq, 0, count)
	for i := uint16(0); i < count; i++ {
		sk, err := readUint32(br)
		if err != nil {
			return r, err
		}
		seq, err := readUint32(br)
		if err != nil {
			return r, err
		}
		r.Seqs = append(r.Seqs, subkeySeq{Subkey: sk, Seq: seq})
	}
	return r, nil
}

func writeTypedKey(buf *bytes.Buffer, k types.TypedKey) {
	buf.Write(k.Kind[:])
	buf.Write(k.Key[:])
}

func readTypedKey(r *bytes.Reader) (types.TypedKey, error) {
	var k types.TypedKey
	if _, err := io.ReadFull(r, k.Kind[:]); err != nil {
		return k, err
	}
	if _, err := io.ReadFull(r, k.Key[:]); err != nil {
		return k, err
	}
	return k, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func writeBytesLen32(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readBytesLen32(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func unixFromTime(t time.Time) int64 { return t.UnixNano() }
func timeFromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }
