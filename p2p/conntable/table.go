// Package conntable implements the bounded LRU connection table: two
// indices (by ConnectionID and by Flow) over a doubly linked list ordered
// by last-touched time, protected by a single mutex.
package conntable

import (
	"container/list"
	"sync"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
)

// Conn is anything the table can track: something closeable, keyed by a
// connection id and a flow, refcountable and optionally protected.
type Conn interface {
	ID() types.ConnectionID
	Flow() types.Flow
	Close() error
}

type entry struct {
	conn      Conn
	refCount  int
	protected bool
	elem      *list.Element // position in the LRU list
}

// Table is the LRU connection table, indexed by connection id and by flow.
type Table struct {
	mu   sync.Mutex
	max  int
	lru  *list.List // MRU at Back, LRU at Front
	byID map[types.ConnectionID]*entry
	byFl map[types.Flow]*entry
}

// New builds a Table bounded to max live connections.
func New(max int) *Table {
	return &Table{
		max:  max,
		lru:  list.New(),
		byID: make(map[types.ConnectionID]*entry),
		byFl: make(map[types.Flow]*entry),
	}
}

// Len reports the current number of tracked connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Insert adds c to the table. If the table is full, it evicts the least-
// recently-touched connection with a zero refcount that is not protected;
// if no such candidate exists, Insert fails and the caller must reject c.
func (t *Table) Insert(c Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.byID) >= t.max {
		if !t.evictLocked() {
			return rpcerr.New(rpcerr.TryAgain, "connection table full, no evictable entry")
		}
	}

	e := &entry{conn: c}
	e.elem = t.lru.PushBack(e)
	t.byID[c.ID()] = e
	t.byFl[c.Flow()] = e
	return nil
}

// evictLocked drops the LRU-most zero-refcount, unprotected entry. Caller
// must hold t.mu.
func (t *Table) evictLocked() bool {
	for el := t.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.refCount == 0 && !e.protected {
			t.removeLocked(e)
			e.conn.Close()
			return true
		}
	}
	return false
}

func (t *Table) removeLocked(e *entry) {
	t.lru.Remove(e.elem)
	delete(t.byID, e.conn.ID())
	delete(t.byFl, e.conn.Flow())
}

// Touch moves the connection with id to the MRU end.
func (t *Table) Touch(id types.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return
	}
	t.lru.MoveToBack(e.elem)
}

// ByID returns the connection for id, if still tracked.
func (t *Table) ByID(id types.ConnectionID) (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// ByFlow returns the connection matching flow, if still tracked.
func (t *Table) ByFlow(flow types.Flow) (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byFl[flow]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Remove drops id from the table without closing it (the caller already
// knows the connection died).
func (t *Table) Remove(id types.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return
	}
	t.removeLocked(e)
}

// Ref increments the reference count for id.
func (t *Table) Ref(id types.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		e.refCount++
	}
}

// Unref decrements the reference count for id.
func (t *Table) Unref(id types.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok && e.refCount > 0 {
		e.refCount--
	}
}

// SetProtected marks id as protected (or not) from LRU eviction, used to
// shield connections backing an active relay lease.
func (t *Table) SetProtected(id types.ConnectionID, protected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		e.protected = protected
	}
}
