package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/drep-project/overlay/p2p/types"
)

// Receipt is the unauthenticated acknowledgement body: version, nonce,
// node id, opaque extra data and the sender's signature.
type Receipt struct {
	Version   uint8
	Nonce     []byte
	NodeID    types.NodeID
	ExtraData []byte
	Signature []byte
}

// Encode renders a signed Receipt preceded by the reserved receipt magic, so
// NetworkManager.OnRecvEnvelope can dispatch it before attempting envelope
// parsing.
func (r *Receipt) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(receiptMagic[:])
	buf.WriteByte(r.Version)
	var nlen [2]byte
	binary.BigEndian.PutUint16(nlen[:], uint16(len(r.Nonce)))
	buf.Write(nlen[:])
	buf.Write(r.Nonce)
	buf.Write(r.NodeID[:])
	var elen [2]byte
	binary.BigEndian.PutUint16(elen[:], uint16(len(r.ExtraData)))
	buf.Write(elen[:])
	buf.Write(r.ExtraData)
	var slen [2]byte
	binary.BigEndian.PutUint16(slen[:], uint16(len(r.Signature)))
	buf.Write(slen[:])
	buf.Write(r.Signature)
	return buf.Bytes()
}

// DecodeReceipt parses a receipt wire message produced by Encode, including
// the leading magic.
func DecodeReceipt(data []byte) (*Receipt, error) {
	if !IsReceipt(data) {
		return nil, errors.New("crypto: not a receipt")
	}
	off := 4
	if len(data) < off+1+2 {
		return nil, errors.New("crypto: receipt truncated")
	}
	r := &Receipt{Version: data[off]}
	off++
	nlen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+nlen+types.NodeIDLength+2 {
		return nil, errors.New("crypto: receipt truncated before node id")
	}
	r.Nonce = append([]byte(nil), data[off:off+nlen]...)
	off += nlen
	copy(r.NodeID[:], data[off:off+types.NodeIDLength])
	off += types.NodeIDLength
	elen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+elen+2 {
		return nil, errors.New("crypto: receipt truncated before extra data")
	}
	r.ExtraData = append([]byte(nil), data[off:off+elen]...)
	off += elen
	slen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+slen {
		return nil, errors.New("crypto: receipt truncated before signature")
	}
	r.Signature = append([]byte(nil), data[off:off+slen]...)
	return r, nil
}

// SigningBytes returns the byte range a Receipt's signature covers: every
// field except the signature itself.
func (r *Receipt) SigningBytes() []byte {
	cp := *r
	cp.Signature = nil
	enc := cp.Encode()
	// Strip the trailing zero-length signature-length/payload suffix added
	// by Encode so the signer signs exactly version..extra_data.
	return enc[:len(enc)-2]
}
