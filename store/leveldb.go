package store

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore is a Store backed by one goleveldb database. Tables are
// namespaced by a short prefix rather than separate column
// families, since goleveldb has none.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if absent) a goleveldb database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Table(name string) (Table, error) {
	return &levelTable{db: s.db, prefix: []byte(name + "\x00")}, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type levelTable struct {
	db     *leveldb.DB
	prefix []byte
}

func (t *levelTable) fullKey(key []byte) []byte {
	full := make([]byte, 0, len(t.prefix)+len(key))
	full = append(full, t.prefix...)
	full = append(full, key...)
	return full
}

func (t *levelTable) Get(key []byte) ([]byte, error) {
	v, err := t.db.Get(t.fullKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (t *levelTable) Put(key, value []byte) error {
	return t.db.Put(t.fullKey(key), value, nil)
}

func (t *levelTable) Delete(key []byte) error {
	return t.db.Delete(t.fullKey(key), nil)
}

func (t *levelTable) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	full := t.fullKey(prefix)
	iter := t.db.NewIterator(util.BytesPrefix(full), nil)
	defer iter.Release()
	for iter.Next() {
		k := iter.Key()[len(t.prefix):]
		if !fn(append([]byte(nil), k...), append([]byte(nil), iter.Value()...)) {
			break
		}
	}
	return iter.Error()
}

func (t *levelTable) BeginTransaction() (Transaction, error) {
	snap, err := t.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &levelTransaction{table: t, snapshot: snap, writes: make(map[string][]byte)}, nil
}

type levelJournalOp int

const (
	opPut levelJournalOp = iota
	opDelete
)

type levelJournal struct {
	op    levelJournalOp
	key   []byte
	value []byte
}

// levelTransaction journals put/delete operations against a goleveldb
// snapshot, with an in-memory overlay (t.writes) so reads-after-write
// inside the transaction observe uncommitted values, committed as one
// leveldb.Transaction.
type levelTransaction struct {
	mu       sync.Mutex
	table    *levelTable
	snapshot *leveldb.Snapshot
	journal  []levelJournal
	writes   map[string][]byte
	tombstone map[string]bool
	finished bool
}

func (tx *levelTransaction) Get(key []byte) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.tombstone != nil && tx.tombstone[string(key)] {
		return nil, ErrNotFound
	}
	if v, ok := tx.writes[string(key)]; ok {
		return v, nil
	}
	v, err := tx.snapshot.Get(tx.table.fullKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (tx *levelTransaction) Put(key, value []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return
	}
	tx.journal = append(tx.journal, levelJournal{op: opPut, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	tx.writes[string(key)] = value
	if tx.tombstone != nil {
		delete(tx.tombstone, string(key))
	}
}

func (tx *levelTransaction) Delete(key []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return
	}
	tx.journal = append(tx.journal, levelJournal{op: opDelete, key: append([]byte(nil), key...)})
	delete(tx.writes, string(key))
	if tx.tombstone == nil {
		tx.tombstone = make(map[string]bool)
	}
	tx.tombstone[string(key)] = true
}

func (tx *levelTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return nil
	}
	tx.finished = true
	defer tx.snapshot.Release()

	batch, err := tx.table.db.OpenTransaction()
	if err != nil {
		return err
	}
	for _, j := range tx.journal {
		full := tx.table.fullKey(j.key)
		switch j.op {
		case opPut:
			if err := batch.Put(full, j.value, nil); err != nil {
				batch.Discard()
				return err
			}
		case opDelete:
			if err := batch.Delete(full, nil); err != nil {
				batch.Discard()
				return err
			}
		}
	}
	return batch.Commit()
}

func (tx *levelTransaction) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return
	}
	tx.finished = true
	tx.snapshot.Release()
}
