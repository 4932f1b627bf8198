package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// MaxEnvelopeSize is the hard wire cap on a whole envelope, sealed body
// included.
const MaxEnvelopeSize = 65536

// receiptMagic is the reserved 4-byte prefix that marks a wire message as an
// unauthenticated receipt rather than an RPC envelope.
var receiptMagic = [4]byte{'R', 'C', 'P', 'T'}

// IsReceipt reports whether the leading bytes of a wire message are the
// receipt magic.
func IsReceipt(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], receiptMagic[:])
}

// Envelope is the decoded wire unit: version, kind, timestamp, nonce,
// sender, recipient and the still-sealed body.
type Envelope struct {
	Version   uint8
	Kind      types.CryptoKind
	Timestamp time.Time
	Nonce     []byte
	Sender    types.NodeID
	Recipient types.NodeID
	Body      []byte // AEAD-sealed; call Open to get the plaintext RPC body
}

// encodeHeader lays out version .. recipient (everything but the sealed
// body) in network byte order with no padding.
func (e *Envelope) encodeHeader(buf *bytes.Buffer) {
	buf.WriteByte(e.Version)
	buf.Write(e.Kind[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(nowMicros(e.Timestamp)))
	buf.Write(ts[:])
	buf.Write(e.Nonce)
	buf.Write(e.Sender[:])
	buf.Write(e.Recipient[:])
}

// Encode seals body with cs/sharedSecret and renders the full wire envelope.
func Encode(cs Cryptosystem, e *Envelope, sharedSecret, plaintextBody []byte) ([]byte, error) {
	sealed, err := cs.AEADEncrypt(sharedSecret, e.Nonce, plaintextBody, nil)
	if err != nil {
		return nil, err
	}
	e.Body = sealed
	var buf bytes.Buffer
	e.encodeHeader(&buf)
	buf.Write(e.Body)
	if buf.Len() > MaxEnvelopeSize {
		return nil, errors.New("crypto: envelope exceeds maximum wire size")
	}
	return buf.Bytes(), nil
}

// DecodeHeader parses version through recipient, leaving the AEAD-sealed
// body undecrypted in the returned Envelope's Body field. It performs no
// decryption and no freshness check; callers must validate the timestamp
// window and then call Open.
func DecodeHeader(registry *Registry, data []byte) (*Envelope, Cryptosystem, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, nil, errors.New("crypto: wire message exceeds maximum envelope size")
	}
	if len(data) < 1+4+8 {
		return nil, nil, errors.New("crypto: envelope truncated before kind/timestamp")
	}
	e := &Envelope{}
	e.Version = data[0]
	off := 1
	copy(e.Kind[:], data[off:off+4])
	off += 4
	cs, ok := registry.Get(e.Kind)
	if !ok {
		return nil, nil, errors.New("crypto: unsupported cryptosystem kind")
	}
	ts := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	e.Timestamp = microsToTime(int64(ts))

	nonceLen := cs.NonceSize()
	need := off + nonceLen + 2*types.NodeIDLength
	if len(data) < need {
		return nil, nil, errors.New("crypto: envelope truncated before body")
	}
	e.Nonce = append([]byte(nil), data[off:off+nonceLen]...)
	off += nonceLen
	copy(e.Sender[:], data[off:off+types.NodeIDLength])
	off += types.NodeIDLength
	copy(e.Recipient[:], data[off:off+types.NodeIDLength])
	off += types.NodeIDLength
	e.Body = data[off:]
	return e, cs, nil
}

// Open decrypts e.Body with the DH-derived shared secret, returning the
// plaintext RPC body. A single bit flip anywhere in the sealed body makes
// this fail. No associated data is bound, so header fields other than the
// nonce are not authenticated here.
func (e *Envelope) Open(cs Cryptosystem, sharedSecret []byte) ([]byte, error) {
	return cs.AEADDecrypt(sharedSecret, e.Nonce, e.Body, nil)
}

// WithinSkew reports whether |now - e.Timestamp| <= skew, the freshness
// check applied before decryption.
func (e *Envelope) WithinSkew(now time.Time, skew time.Duration) bool {
	delta := now.Sub(e.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= skew
}
