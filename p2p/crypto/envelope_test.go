package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, cs := range []Cryptosystem{VLD0{}, SECP{}} {
		cs := cs
		t.Run(cs.Kind().String(), func(t *testing.T) {
			aPub, aSec, err := cs.GenerateKeyPair()
			require.NoError(t, err)
			bPub, bSec, err := cs.GenerateKeyPair()
			require.NoError(t, err)

			secretAtoB, err := cs.DH(aSec, bPub)
			require.NoError(t, err)
			secretBtoA, err := cs.DH(bSec, aPub)
			require.NoError(t, err)
			require.Equal(t, secretAtoB, secretBtoA, "DH must be symmetric")

			nonce, err := cs.RandomNonce()
			require.NoError(t, err)

			env := &Envelope{
				Version:   1,
				Kind:      cs.Kind(),
				Timestamp: time.Now(),
				Nonce:     nonce,
				Sender:    cs.Hash(aPub.Sign),
				Recipient: cs.Hash(bPub.Sign),
			}
			plaintext := []byte("status request body")
			wire, err := Encode(cs, env, secretAtoB, plaintext)
			require.NoError(t, err)

			reg := NewRegistry(cs)
			require.False(t, IsReceipt(wire))

			decoded, gotCs, err := DecodeHeader(reg, wire)
			require.NoError(t, err)
			require.Equal(t, cs.Kind(), gotCs.Kind())
			require.True(t, decoded.WithinSkew(time.Now(), 5*time.Second))

			opened, err := decoded.Open(gotCs, secretBtoA)
			require.NoError(t, err)
			require.Equal(t, plaintext, opened)

			// A single bit flip in the ciphertext must break decryption.
			tampered := append([]byte(nil), wire...)
			tampered[len(tampered)-1] ^= 0x01
			decodedBad, _, err := DecodeHeader(reg, tampered)
			require.NoError(t, err)
			_, err = decodedBad.Open(gotCs, secretBtoA)
			require.Error(t, err)
		})
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	cs := VLD0{}
	_, sec, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	r := &Receipt{
		Version:   1,
		Nonce:     []byte("0123456789ab"),
		NodeID:    cs.Hash([]byte("node")),
		ExtraData: []byte("extra"),
	}
	sig, err := cs.Sign(sec, r.SigningBytes())
	require.NoError(t, err)
	r.Signature = sig

	wire := r.Encode()
	require.True(t, IsReceipt(wire))

	decoded, err := DecodeReceipt(wire)
	require.NoError(t, err)
	require.Equal(t, r.NodeID, decoded.NodeID)
	require.Equal(t, r.ExtraData, decoded.ExtraData)
	require.Equal(t, r.Signature, decoded.Signature)
}
