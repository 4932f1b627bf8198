package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/drep-project/overlay/p2p/types"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// VLD0 is the default cryptosystem kind: Ed25519 signatures, X25519 DH,
// ChaCha20-Poly1305 AEAD and BLAKE2b hashing, all from golang.org/x/crypto.
type VLD0 struct{}

var _ Cryptosystem = VLD0{}

func (VLD0) Kind() types.CryptoKind { return types.ParseCryptoKind("VLD0") }

func (VLD0) NonceSize() int { return chacha20poly1305.NonceSize }

func (VLD0) RandomNonce() ([]byte, error) {
	n := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (VLD0) GenerateKeyPair() (PublicKey, SecretKey, error) {
	signPub, signSec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	var dhSec [32]byte
	if _, err := rand.Read(dhSec[:]); err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	dhSec[0] &= 248
	dhSec[31] &= 127
	dhSec[31] |= 64
	dhPub, err := curve25519.X25519(dhSec[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	return PublicKey{Sign: []byte(signPub), DH: dhPub},
		SecretKey{Sign: []byte(signSec), DH: dhSec[:]}, nil
}

func (VLD0) Hash(parts ...[]byte) types.NodeID {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return types.BytesToNodeID(h.Sum(nil))
}

func (VLD0) Sign(secret SecretKey, msg []byte) ([]byte, error) {
	if len(secret.Sign) != ed25519.PrivateKeySize {
		return nil, errors.New("vld0: malformed secret signing key")
	}
	return ed25519.Sign(ed25519.PrivateKey(secret.Sign), msg), nil
}

func (VLD0) Verify(public PublicKey, msg, sig []byte) bool {
	if len(public.Sign) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public.Sign), msg, sig)
}

func (VLD0) DH(ourSecret SecretKey, theirPublic PublicKey) ([]byte, error) {
	if len(ourSecret.DH) != 32 || len(theirPublic.DH) != 32 {
		return nil, errors.New("vld0: malformed dh key")
	}
	shared, err := curve25519.X25519(ourSecret.DH, theirPublic.DH)
	if err != nil {
		return nil, err
	}
	// Run the raw ECDH output through the kind's hash so the AEAD key is
	// uniformly distributed rather than a raw curve point.
	sum := blake2b.Sum256(shared)
	return sum[:], nil
}

func (VLD0) AEADEncrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (VLD0) AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
