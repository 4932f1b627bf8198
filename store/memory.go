package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests that need the Table
// contract without a goleveldb file on disk. Not a production backend.
// Its transactions read the live table rather than a snapshot, and Commit
// applies the writes one key at a time rather than as one atomic step.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*memoryTable
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memoryTable)}
}

func (s *MemoryStore) Table(name string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &memoryTable{data: make(map[string][]byte)}
		s.tables[name] = t
	}
	return t, nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryTable struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (t *memoryTable) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTable) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTable) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, string(key))
	return nil
}

func (t *memoryTable) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	t.mu.Lock()
	type kv struct {
		k, v []byte
	}
	var matches []kv
	for k, v := range t.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			matches = append(matches, kv{[]byte(k), append([]byte(nil), v...)})
		}
	}
	t.mu.Unlock()
	sort.Slice(matches, func(i, j int) bool { return string(matches[i].k) < string(matches[j].k) })
	for _, m := range matches {
		if !fn(m.k, m.v) {
			break
		}
	}
	return nil
}

func (t *memoryTable) BeginTransaction() (Transaction, error) {
	return &memoryTransaction{table: t, writes: make(map[string][]byte)}, nil
}

type memoryTransaction struct {
	table     *memoryTable
	writes    map[string][]byte
	tombstone map[string]bool
	finished  bool
}

func (tx *memoryTransaction) Get(key []byte) ([]byte, error) {
	if tx.tombstone != nil && tx.tombstone[string(key)] {
		return nil, ErrNotFound
	}
	if v, ok := tx.writes[string(key)]; ok {
		return v, nil
	}
	return tx.table.Get(key)
}

func (tx *memoryTransaction) Put(key, value []byte) {
	if tx.finished {
		return
	}
	tx.writes[string(key)] = append([]byte(nil), value...)
	if tx.tombstone != nil {
		delete(tx.tombstone, string(key))
	}
}

func (tx *memoryTransaction) Delete(key []byte) {
	if tx.finished {
		return
	}
	delete(tx.writes, string(key))
	if tx.tombstone == nil {
		tx.tombstone = make(map[string]bool)
	}
	tx.tombstone[string(key)] = true
}

func (tx *memoryTransaction) Commit() error {
	if tx.finished {
		return nil
	}
	tx.finished = true
	for k := range tx.tombstone {
		tx.table.Delete([]byte(k))
	}
	for k, v := range tx.writes {
		tx.table.Put([]byte(k), v)
	}
	return nil
}

func (tx *memoryTransaction) Discard() {
	tx.finished = true
}
