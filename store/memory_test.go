package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	tbl, err := s.Table("records")
	require.NoError(t, err)

	_, err = tbl.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tbl.Put([]byte("k1"), []byte("v1")))
	v, err := tbl.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, tbl.Delete([]byte("k1")))
	_, err = tbl.Get([]byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTableTransactionIsolationAndCommit(t *testing.T) {
	s := NewMemoryStore()
	tbl, err := s.Table("subkeys")
	require.NoError(t, err)
	require.NoError(t, tbl.Put([]byte("a"), []byte("1")))

	tx, err := tbl.BeginTransaction()
	require.NoError(t, err)
	tx.Put([]byte("a"), []byte("2"))
	v, err := tx.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	// Uncommitted write must not be visible outside the transaction.
	outside, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), outside)

	require.NoError(t, tx.Commit())
	committed, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), committed)
}

func TestMemoryTableTransactionDiscard(t *testing.T) {
	s := NewMemoryStore()
	tbl, err := s.Table("subkeys")
	require.NoError(t, err)
	require.NoError(t, tbl.Put([]byte("a"), []byte("1")))

	tx, err := tbl.BeginTransaction()
	require.NoError(t, err)
	tx.Put([]byte("a"), []byte("2"))
	tx.Discard()

	v, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestMemoryTableIteratePrefix(t *testing.T) {
	s := NewMemoryStore()
	tbl, err := s.Table("records")
	require.NoError(t, err)
	require.NoError(t, tbl.Put([]byte("rec:a:0"), []byte("x")))
	require.NoError(t, tbl.Put([]byte("rec:a:1"), []byte("y")))
	require.NoError(t, tbl.Put([]byte("rec:b:0"), []byte("z")))

	var got []string
	require.NoError(t, tbl.Iterate([]byte("rec:a:"), func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	}))
	require.Len(t, got, 2)
}
