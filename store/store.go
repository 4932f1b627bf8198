// Package store is the opaque key-value table-storage contract: the
// local/remote DHT record stores and the offline-write journal are built
// against this interface rather than a concrete database, so the record
// stores never import goleveldb directly.
//
// A Transaction journals put/delete ops, committed as one atomic batch,
// with an in-flight overlay so reads-after-write inside one transaction
// see uncommitted values.
package store

import "errors"

// ErrNotFound is returned by Get and Transaction.Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// Table is one named collection of keys within a Store, letting a single
// backing database host several logical tables (descriptors, subkeys,
// offline writes) without key collisions.
type Table interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls fn for every key with the given prefix, in key order,
	// until fn returns false or every match is visited. Implementations
	// must not hold a store-wide lock across fn calls, so a slow consumer
	// cannot stall unrelated readers.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error

	// BeginTransaction opens a snapshot-isolated transaction scoped to this
	// table: reads see the snapshot plus this transaction's own
	// uncommitted writes, and nothing else's.
	BeginTransaction() (Transaction, error)
}

// Transaction batches a sequence of writes, visible to its own reads, and
// atomically applied (or entirely discarded) against the underlying table.
type Transaction interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte)
	Delete(key []byte)

	// Commit applies every journaled write atomically. A Transaction must
	// not be reused after Commit or Discard.
	Commit() error
	Discard()
}

// Store opens the named tables a component needs, all backed by one
// physical database.
type Store interface {
	Table(name string) (Table, error)
	Close() error
}
