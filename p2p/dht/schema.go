package dht

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/rpcerr"
)

// SchemaKind selects one of the two record schema variants.
type SchemaKind uint8

const (
	// SchemaDFLT is a fixed subkey count record only its owner may write.
	SchemaDFLT SchemaKind = iota
	// SchemaSMPL additionally grants named members write access to a
	// specific subkey range each.
	SchemaSMPL
)

// MaxSubkeyDataSize bounds a single subkey's value bytes.
const MaxSubkeyDataSize = 32 * 1024

// Member is one SMPL schema member: a public key granted write access to
// subkeys [SubkeyStart, SubkeyEnd].
type Member struct {
	PublicKey   crypto.PublicKey
	SubkeyStart uint32
	SubkeyEnd   uint32
}

// Schema describes a record's mutable subkey layout and write authorization.
type Schema struct {
	Kind        SchemaKind
	SubkeyCount uint32
	Members     []Member // only populated for SchemaSMPL
}

// AuthorizeSubkey reports whether writer may set subkey under s, checking
// the owner first and then, for SMPL schemas, the member ranges.
func (s Schema) AuthorizeSubkey(owner, writer crypto.PublicKey, subkey uint32) bool {
	if subkey >= s.SubkeyCount {
		return false
	}
	if bytes.Equal(owner.Sign, writer.Sign) {
		return true
	}
	if s.Kind != SchemaSMPL {
		return false
	}
	for _, m := range s.Members {
		if bytes.Equal(m.PublicKey.Sign, writer.Sign) && subkey >= m.SubkeyStart && subkey <= m.SubkeyEnd {
			return true
		}
	}
	return false
}

// Encode renders the schema's compiled byte form, the same bytes hashed
// into a record's typed key.
func (s Schema) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(s.Kind))
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], s.SubkeyCount)
	buf.Write(count[:])
	buf.WriteByte(byte(len(s.Members)))
	for _, m := range s.Members {
		writeKeyedBytes(&buf, m.PublicKey.Sign)
		writeKeyedBytes(&buf, m.PublicKey.DH)
		var rng [8]byte
		binary.BigEndian.PutUint32(rng[:4], m.SubkeyStart)
		binary.BigEndian.PutUint32(rng[4:], m.SubkeyEnd)
		buf.Write(rng[:])
	}
	return buf.Bytes()
}

// DecodeSchema parses Schema.Encode's output.
func DecodeSchema(data []byte) (Schema, error) {
	var s Schema
	r := bytes.NewReader(data)
	kindByte, err := r.ReadByte()
	if err != nil {
		return s, err
	}
	s.Kind = SchemaKind(kindByte)
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return s, err
	}
	s.SubkeyCount = binary.BigEndian.Uint32(count[:])
	memberCount, err := r.ReadByte()
	if err != nil {
		return s, err
	}
	s.Members = make([]Member, 0, memberCount)
	for i := byte(0); i < memberCount; i++ {
		sign, err := readKeyedBytes(r)
		if err != nil {
			return s, err
		}
		dh, err := readKeyedBytes(r)
		if err != nil {
			return s, err
		}
		var rng [8]byte
		if _, err := io.ReadFull(r, rng[:]); err != nil {
			return s, err
		}
		s.Members = append(s.Members, Member{
			PublicKey:   crypto.PublicKey{Sign: sign, DH: dh},
			SubkeyStart: binary.BigEndian.Uint32(rng[:4]),
			SubkeyEnd:   binary.BigEndian.Uint32(rng[4:]),
		})
	}
	return s, nil
}

// ValidateSubkeyRanges checks a watch_value/inspect_value subkey
// selection: at most 512 disjoint, non-inverted segments.
func ValidateSubkeyRanges(ranges [][2]uint32) error {
	if len(ranges) == 0 {
		return rpcerr.New(rpcerr.InvalidArgument, "subkey range list is empty")
	}
	if len(ranges) > 512 {
		return rpcerr.New(rpcerr.InvalidArgument, "subkey range list exceeds 512 segments")
	}
	for i, r := range ranges {
		if r[0] > r[1] {
			return rpcerr.New(rpcerr.InvalidArgument, "inverted subkey range")
		}
		for _, o := range ranges[:i] {
			if r[0] <= o[1] && o[0] <= r[1] {
				return rpcerr.New(rpcerr.InvalidArgument, "overlapping subkey ranges")
			}
		}
	}
	return nil
}

func writeKeyedBytes(buf *bytes.Buffer, b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readKeyedBytes(r *bytes.Reader) ([]byte, error) {
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
