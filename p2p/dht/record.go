// Package dht implements the DHT storage manager: record
// open/close lifecycle, subkey get/set/watch with schema validation and
// sequence-number reconciliation, a fanout lookup over the routing table,
// and offline-write replay.
//
// Grounded on p2p/routing's bucket-entry bookkeeping for reliability-aware
// peer selection and on p2p/rpc's request/response correlation for the
// network path of get_value/set_value/watch_value/inspect_value; record
// storage itself reuses the store package's Table contract.
package dht

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// Descriptor is a record's immutable, owner-signed header: owner public key, compiled schema bytes, and the signature
// proving the owner minted this exact schema.
type Descriptor struct {
	Key         types.TypedKey
	Owner       crypto.PublicKey
	Schema      Schema
	SchemaBytes []byte
	Signature   []byte
	CreatedAt   time.Time
}

// descriptorSigningPayload is what the owner signs: the schema bytes alone,
// since the key is already derived from them.
func descriptorSigningPayload(schemaBytes []byte) []byte {
	return schemaBytes
}

// NewDescriptor derives a record's typed key from the owner key and the
// compiled schema bytes, and produces the owner-signed Descriptor.
func NewDescriptor(kind crypto.Cryptosystem, owner crypto.PublicKey, ownerSecret crypto.SecretKey, schema Schema) (Descriptor, error) {
	schemaBytes := schema.Encode()
	kk := kind.Kind()
	key := types.TypedKey{
		Kind: kk,
		Key:  kind.Hash(kk[:], owner.Sign, schemaBytes),
	}
	sig, err := kind.Sign(ownerSecret, descriptorSigningPayload(schemaBytes))
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Key:         key,
		Owner:       owner,
		Schema:      schema,
		SchemaBytes: schemaBytes,
		Signature:   sig,
		CreatedAt:   time.Now(),
	}, nil
}

// VerifyDescriptor checks a descriptor's owner signature and that its key
// matches H(kind ‖ owner ‖ schema_bytes), rejecting a record whose key a
// peer could not have derived honestly.
func VerifyDescriptor(kind crypto.Cryptosystem, d Descriptor) error {
	kk := kind.Kind()
	wantKey := kind.Hash(kk[:], d.Owner.Sign, d.SchemaBytes)
	if wantKey != d.Key.Key {
		return rpcerr.New(rpcerr.InvalidArgument, "record key does not match owner/schema")
	}
	if !kind.Verify(d.Owner, descriptorSigningPayload(d.SchemaBytes), d.Signature) {
		return rpcerr.New(rpcerr.Unauthorized, "record descriptor signature invalid")
	}
	return nil
}

// SignedValueData is one subkey's stored value: a monotonically increasing
// seq, the writer's public key, the writer's signature and the value
// bytes.
type SignedValueData struct {
	Seq       uint32
	Writer    crypto.PublicKey
	Signature []byte
	Value     []byte
}

// valueSigningPayload is what a writer signs for set_value: key, subkey,
// seq and the value bytes.
func valueSigningPayload(key types.TypedKey, subkey uint32, seq uint32, value []byte) []byte {
	var buf bytes.Buffer
	buf.Write(key.Kind[:])
	buf.Write(key.Key[:])
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], subkey)
	buf.Write(s[:])
	var sq [4]byte
	binary.BigEndian.PutUint32(sq[:], seq)
	buf.Write(sq[:])
	buf.Write(value)
	return buf.Bytes()
}

// SignValue builds a SignedValueData for value at seq, signed by writerSecret.
func SignValue(kind crypto.Cryptosystem, key types.TypedKey, subkey, seq uint32, writer crypto.PublicKey, writerSecret crypto.SecretKey, value []byte) (SignedValueData, error) {
	if len(value) > MaxSubkeyDataSize {
		return SignedValueData{}, rpcerr.New(rpcerr.InvalidArgument, "subkey value exceeds size limit")
	}
	sig, err := kind.Sign(writerSecret, valueSigningPayload(key, subkey, seq, value))
	if err != nil {
		return SignedValueData{}, err
	}
	return SignedValueData{Seq: seq, Writer: writer, Signature: sig, Value: value}, nil
}

// VerifyValue checks a SignedValueData's size, that its writer is
// authorized by schema for subkey, and that the signature verifies. The
// seq/already-seen comparison is the caller's responsibility since it
// depends on local state.
func VerifyValue(kind crypto.Cryptosystem, owner crypto.PublicKey, schema Schema, key types.TypedKey, subkey uint32, svd SignedValueData) error {
	if len(svd.Value) > MaxSubkeyDataSize {
		return rpcerr.New(rpcerr.InvalidArgument, "subkey value exceeds size limit")
	}
	if !schema.AuthorizeSubkey(owner, svd.Writer, subkey) {
		return rpcerr.New(rpcerr.Unauthorized, "writer not authorized for subkey")
	}
	if !kind.Verify(svd.Writer, valueSigningPayload(key, subkey, svd.Seq, svd.Value), svd.Signature) {
		return rpcerr.New(rpcerr.Unauthorized, "subkey value signature invalid")
	}
	return nil
}

func encodeSignedValueData(svd SignedValueData) []byte {
	var buf bytes.Buffer
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], svd.Seq)
	buf.Write(seq[:])
	writeKeyedBytes(&buf, svd.Writer.Sign)
	writeKeyedBytes(&buf, svd.Writer.DH)
	writeKeyedBytes(&buf, svd.Signature)
	var vl [4]byte
	binary.BigEndian.PutUint32(vl[:], uint32(len(svd.Value)))
	buf.Write(vl[:])
	buf.Write(svd.Value)
	return buf.Bytes()
}

func decodeSignedValueData(data []byte) (SignedValueData, error) {
	var svd SignedValueData
	r := bytes.NewReader(data)
	var seq [4]byte
	if _, err := io.ReadFull(r, seq[:]); err != nil {
		return svd, err
	}
	svd.Seq = binary.BigEndian.Uint32(seq[:])
	sign, err := readKeyedBytes(r)
	if err != nil {
		return svd, err
	}
	dh, err := readKeyedBytes(r)
	if err != nil {
		return svd, err
	}
	svd.Writer = crypto.PublicKey{Sign: sign, DH: dh}
	sig, err := readKeyedBytes(r)
	if err != nil {
		return svd, err
	}
	svd.Signature = sig
	var vl [4]byte
	if _, err := io.ReadFull(r, vl[:]); err != nil {
		return svd, err
	}
	n := binary.BigEndian.Uint32(vl[:])
	value := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, value); err != nil {
			return svd, err
		}
	}
	svd.Value = value
	return svd, nil
}

// encodeDescriptor/decodeDescriptor render a Descriptor for persistence in
// a record store's key-value table, keyed by the typed key's Key bytes.
func encodeDescriptor(d Descriptor) []byte {
	var buf bytes.Buffer
	buf.Write(d.Key.Kind[:])
	buf.Write(d.Key.Key[:])
	writeKeyedBytes(&buf, d.Owner.Sign)
	writeKeyedBytes(&buf, d.Owner.DH)
	var sl [4]byte
	binary.BigEndian.PutUint32(sl[:], uint32(len(d.SchemaBytes)))
	buf.Write(sl[:])
	buf.Write(d.SchemaBytes)
	writeKeyedBytes(&buf, d.Signature)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(d.CreatedAt.UnixNano()))
	buf.Write(ts[:])
	return buf.Bytes()
}

func decodeDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, d.Key.Kind[:]); err != nil {
		return d, err
	}
	if _, err := io.ReadFull(r, d.Key.Key[:]); err != nil {
		return d, err
	}
	sign, err := readKeyedBytes(r)
	if err != nil {
		return d, err
	}
	dh, err := readKeyedBytes(r)
	if err != nil {
		return d, err
	}
	d.Owner = crypto.PublicKey{Sign: sign, DH: dh}
	var sl [4]byte
	if _, err := io.ReadFull(r, sl[:]); err != nil {
		return d, err
	}
	schemaBytes := make([]byte, binary.BigEndian.Uint32(sl[:]))
	if len(schemaBytes) > 0 {
		if _, err := io.ReadFull(r, schemaBytes); err != nil {
			return d, err
		}
	}
	d.SchemaBytes = schemaBytes
	schema, err := DecodeSchema(schemaBytes)
	if err != nil {
		return d, err
	}
	d.Schema = schema
	sig, err := readKeyedBytes(r)
	if err != nil {
		return d, err
	}
	d.Signature = sig
	var ts [8]byte
	if _, err := io.ReadFull(r, ts[:]); err != nil {
		return d, err
	}
	d.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(ts[:]))).UTC()
	return d, nil
}
