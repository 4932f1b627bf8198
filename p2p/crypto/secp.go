package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/drep-project/overlay/p2p/types"
	"golang.org/x/crypto/chacha20poly1305"
)

// SECP is an alternate cryptosystem kind built on secp256k1. It exists to
// prove the kind table in cryptosystem.go is genuinely pluggable, not just
// a single hardcoded codec.
type SECP struct{}

var _ Cryptosystem = SECP{}

func (SECP) Kind() types.CryptoKind { return types.ParseCryptoKind("SECP") }

func (SECP) NonceSize() int { return chacha20poly1305.NonceSize }

func (SECP) RandomNonce() ([]byte, error) {
	n := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (SECP) GenerateKeyPair() (PublicKey, SecretKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	pub := priv.PubKey().SerializeCompressed()
	sec := priv.Serialize()
	return PublicKey{Sign: pub, DH: pub}, SecretKey{Sign: sec, DH: sec}, nil
}

func (SECP) Hash(parts ...[]byte) types.NodeID {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return types.BytesToNodeID(h.Sum(nil))
}

func (SECP) Sign(secret SecretKey, msg []byte) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(secret.Sign)
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize(), nil
}

func (SECP) Verify(public PublicKey, msg, sig []byte) bool {
	pub, err := secp256k1.ParsePubKey(public.Sign)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}

func (SECP) DH(ourSecret SecretKey, theirPublic PublicKey) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(ourSecret.DH)
	pub, err := secp256k1.ParsePubKey(theirPublic.DH)
	if err != nil {
		return nil, errors.New("secp: malformed dh public key")
	}
	var point secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	x := result.X.Bytes()
	shared := sha256.Sum256(x[:])
	return shared[:], nil
}

func (SECP) AEADEncrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (SECP) AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
