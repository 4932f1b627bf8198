// Package crypto implements the pluggable cryptosystem-kind table plus the
// wire envelope and receipt codecs. Each kind is a small adapter over a
// real third-party primitive library; nothing here hand-rolls AEAD, DH or
// signatures.
package crypto

import (
	"time"

	"github.com/drep-project/overlay/p2p/types"
)

// PublicKey is a kind's public key material: a signing key and (possibly
// distinct) DH key, both needed to reach and authenticate a peer.
type PublicKey struct {
	Sign []byte
	DH   []byte
}

// SecretKey is a kind's secret key material, owned by exactly one node.
type SecretKey struct {
	Sign []byte
	DH   []byte
}

// Cryptosystem is the interface every cryptosystem kind implements, so
// pairwise operations can pick primitives purely from a kind tag.
type Cryptosystem interface {
	Kind() types.CryptoKind

	// NonceSize is the length of the AEAD nonce this kind uses.
	NonceSize() int
	RandomNonce() ([]byte, error)

	GenerateKeyPair() (PublicKey, SecretKey, error)

	// Hash derives a node id or record key by hashing the given parts
	// (kind tag, public sign key, and for DHT keys the schema bytes).
	Hash(parts ...[]byte) types.NodeID

	Sign(secret SecretKey, msg []byte) ([]byte, error)
	Verify(public PublicKey, msg, sig []byte) bool

	// DH derives the shared secret between our secret DH key and a peer's
	// public DH key.
	DH(ourSecret SecretKey, theirPublic PublicKey) ([]byte, error)

	AEADEncrypt(key, nonce, plaintext, aad []byte) ([]byte, error)
	AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error)
}

// Registry maps kind tags to implementations, so pairwise operations pick
// the right primitives purely from the envelope header's kind field.
type Registry struct {
	kinds map[types.CryptoKind]Cryptosystem
}

// NewRegistry builds a Registry containing the given kinds, keyed by their
// own Kind() tag.
func NewRegistry(kinds ...Cryptosystem) *Registry {
	r := &Registry{kinds: make(map[types.CryptoKind]Cryptosystem, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Kind()] = k
	}
	return r
}

// Get returns the Cryptosystem for kind, or false if unsupported.
func (r *Registry) Get(kind types.CryptoKind) (Cryptosystem, bool) {
	cs, ok := r.kinds[kind]
	return cs, ok
}

// Kinds lists every supported kind tag, in registration order is not
// guaranteed (map iteration), callers that need determinism should sort.
func (r *Registry) Kinds() []types.CryptoKind {
	out := make([]types.CryptoKind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

// nowMicros renders t as microseconds since epoch, the envelope timestamp
// unit.
func nowMicros(t time.Time) int64 {
	return t.UnixNano() / int64(time.Microsecond)
}

func microsToTime(us int64) time.Time {
	return time.Unix(0, us*int64(time.Microsecond)).UTC()
}
