package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedKeyURLFormRoundTrip(t *testing.T) {
	var id NodeID
	for i := range id {
		id[i] = byte(i)
	}
	k := TypedKey{Kind: ParseCryptoKind("VLD0"), Key: id}

	s := k.String()
	require.True(t, len(s) > 5 && s[:5] == "VLD0:")

	parsed, err := ParseTypedKey(s)
	require.NoError(t, err)
	require.Equal(t, k, parsed)
}

func TestParseTypedKeyRejectsMalformed(t *testing.T) {
	_, err := ParseTypedKey("no-colon")
	require.Error(t, err)
	_, err = ParseTypedKey("TOOLONG:abcd")
	require.Error(t, err)
	_, err = ParseTypedKey("VLD0:!!!!")
	require.Error(t, err)
	_, err = ParseTypedKey("VLD0:c2hvcnQ")
	require.Error(t, err)
}

func TestFirstDifferingBit(t *testing.T) {
	var a, b NodeID
	require.Equal(t, NodeIDLength*8, FirstDifferingBit(a, b))

	b[0] = 0x80
	require.Equal(t, 0, FirstDifferingBit(a, b))

	b[0] = 0
	b[3] = 0x01
	require.Equal(t, 3*8+7, FirstDifferingBit(a, b))
}
