package conntable

import (
	"testing"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     types.ConnectionID
	flow   types.Flow
	closed bool
}

func (c *fakeConn) ID() types.ConnectionID { return c.id }
func (c *fakeConn) Flow() types.Flow       { return c.flow }
func (c *fakeConn) Close() error           { c.closed = true; return nil }

func mkConn(id uint64) *fakeConn {
	return &fakeConn{id: types.ConnectionID(id), flow: types.Flow{Remote: types.PeerAddress{Socket: "1.2.3.4:1"}, Local: ""}}
}

func TestLRUEvictsUnprotectedZeroRefLeastRecentlyTouched(t *testing.T) {
	tbl := New(2)
	a := mkConn(1)
	b := mkConn(2)
	require.NoError(t, tbl.Insert(a))
	require.NoError(t, tbl.Insert(b))

	// Touch b so a is now the LRU entry.
	tbl.Touch(b.ID())

	c := mkConn(3)
	require.NoError(t, tbl.Insert(c))

	require.True(t, a.closed)
	require.False(t, b.closed)
	_, ok := tbl.ByID(a.ID())
	require.False(t, ok)
	require.Equal(t, 2, tbl.Len())
}

func TestInsertFailsWhenNoEvictableCandidate(t *testing.T) {
	tbl := New(1)
	a := mkConn(1)
	require.NoError(t, tbl.Insert(a))
	tbl.Ref(a.ID())

	b := mkConn(2)
	err := tbl.Insert(b)
	require.Error(t, err)
}

func TestProtectedConnectionIsNotEvicted(t *testing.T) {
	tbl := New(1)
	a := mkConn(1)
	require.NoError(t, tbl.Insert(a))
	tbl.SetProtected(a.ID(), true)

	b := mkConn(2)
	err := tbl.Insert(b)
	require.Error(t, err)
	require.False(t, a.closed)
}
