package dht

import (
	"container/list"
	"sync"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/drep-project/overlay/store"
)

// subkeyKey addresses one subkey within the store's in-memory cache.
type subkeyKey struct {
	record types.NodeID
	subkey uint32
}

type cacheEntry struct {
	key   subkeyKey
	value SignedValueData
	elem  *list.Element // position in the LRU list
}

// recordStore is the shared layout behind both the local and remote record
// stores: a persistent key-value table of descriptors plus subkeys, an
// in-memory subkey cache bounded by count and bytes, and per-record total
// accounting. Bounded eviction follows conntable.Table's LRU-list shape.
type recordStore struct {
	mu sync.Mutex

	descriptors store.Table // key = typed key bytes -> encoded Descriptor
	subkeys     store.Table // key = typed key bytes ‖ subkey -> encoded SignedValueData

	maxEntries int
	maxBytes   int64

	lru        *list.List // MRU at Back, LRU at Front
	byKey      map[subkeyKey]*cacheEntry
	totalBytes int64
}

func newRecordStore(descriptors, subkeys store.Table, maxEntries int, maxBytes int64) *recordStore {
	return &recordStore{
		descriptors: descriptors,
		subkeys:     subkeys,
		maxEntries:  maxEntries,
		maxBytes:    maxBytes,
		lru:         list.New(),
		byKey:       make(map[subkeyKey]*cacheEntry),
	}
}

func recordKeyBytes(key types.TypedKey) []byte {
	b := make([]byte, 0, 4+types.NodeIDLength)
	b = append(b, key.Kind[:]...)
	b = append(b, key.Key[:]...)
	return b
}

func subkeyStorageKey(key types.TypedKey, subkey uint32) []byte {
	b := recordKeyBytes(key)
	b = append(b, byte(subkey>>24), byte(subkey>>16), byte(subkey>>8), byte(subkey))
	return b
}

// putDescriptor persists d, overwriting any existing descriptor at the same
// key (used both by create_record and by the local<->remote move on open).
func (s *recordStore) putDescriptor(d Descriptor) error {
	return s.descriptors.Put(recordKeyBytes(d.Key), encodeDescriptor(d))
}

func (s *recordStore) getDescriptor(key types.TypedKey) (Descriptor, bool, error) {
	raw, err := s.descriptors.Get(recordKeyBytes(key))
	if err == store.ErrNotFound {
		return Descriptor{}, false, nil
	}
	if err != nil {
		return Descriptor{}, false, err
	}
	d, err := decodeDescriptor(raw)
	if err != nil {
		return Descriptor{}, false, err
	}
	return d, true, nil
}

func (s *recordStore) deleteDescriptor(key types.TypedKey) error {
	return s.descriptors.Delete(recordKeyBytes(key))
}

// getSubkey returns the cached value if present, else loads it from the
// persistent table into the cache.
func (s *recordStore) getSubkey(key types.TypedKey, subkey uint32) (SignedValueData, bool, error) {
	ck := subkeyKey{record: key.Key, subkey: subkey}

	s.mu.Lock()
	if e, ok := s.byKey[ck]; ok {
		s.lru.MoveToBack(e.elem)
		v := e.value
		s.mu.Unlock()
		return v, true, nil
	}
	s.mu.Unlock()

	raw, err := s.subkeys.Get(subkeyStorageKey(key, subkey))
	if err == store.ErrNotFound {
		return SignedValueData{}, false, nil
	}
	if err != nil {
		return SignedValueData{}, false, err
	}
	svd, err := decodeSignedValueData(raw)
	if err != nil {
		return SignedValueData{}, false, err
	}
	s.cacheInsert(ck, svd)
	return svd, true, nil
}

// putSubkey persists svd and refreshes the cache, evicting the least-
// recently-used entries until the store is within its count/byte bounds.
func (s *recordStore) putSubkey(key types.TypedKey, subkey uint32, svd SignedValueData) error {
	if err := s.subkeys.Put(subkeyStorageKey(key, subkey), encodeSignedValueData(svd)); err != nil {
		return err
	}
	s.cacheInsert(subkeyKey{record: key.Key, subkey: subkey}, svd)
	return nil
}

func (s *recordStore) deleteSubkey(key types.TypedKey, subkey uint32) error {
	ck := subkeyKey{record: key.Key, subkey: subkey}
	s.mu.Lock()
	if e, ok := s.byKey[ck]; ok {
		s.evictLocked(e)
	}
	s.mu.Unlock()
	return s.subkeys.Delete(subkeyStorageKey(key, subkey))
}

func (s *recordStore) cacheInsert(ck subkeyKey, svd SignedValueData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byKey[ck]; ok {
		s.totalBytes -= int64(len(e.value.Value))
		e.value = svd
		s.totalBytes += int64(len(svd.Value))
		s.lru.MoveToBack(e.elem)
	} else {
		e := &cacheEntry{key: ck, value: svd}
		e.elem = s.lru.PushBack(e)
		s.byKey[ck] = e
		s.totalBytes += int64(len(svd.Value))
	}
	for (s.maxEntries > 0 && len(s.byKey) > s.maxEntries) || (s.maxBytes > 0 && s.totalBytes > s.maxBytes) {
		front := s.lru.Front()
		if front == nil {
			break
		}
		s.evictLocked(front.Value.(*cacheEntry))
	}
}

// evictLocked drops e from the cache only, leaving the persistent copy
// intact. Caller must hold s.mu.
func (s *recordStore) evictLocked(e *cacheEntry) {
	s.lru.Remove(e.elem)
	delete(s.byKey, e.key)
	s.totalBytes -= int64(len(e.value.Value))
}

// purgeRecord removes a record's descriptor and every cached/persisted
// subkey under subkeyCount.
func (s *recordStore) purgeRecord(key types.TypedKey, subkeyCount uint32) error {
	for sk := uint32(0); sk < subkeyCount; sk++ {
		if err := s.deleteSubkey(key, sk); err != nil && err != store.ErrNotFound {
			return err
		}
	}
	return s.deleteDescriptor(key)
}

// moveRecord copies a descriptor and all its cached/persisted subkeys from
// src to dst and purges it from src, the remote-to-local promotion an open
// performs.
func moveRecord(src, dst *recordStore, key types.TypedKey) (Descriptor, error) {
	d, ok, err := src.getDescriptor(key)
	if err != nil {
		return Descriptor{}, err
	}
	if !ok {
		return Descriptor{}, rpcerr.New(rpcerr.KeyNotFound, "record not present in source store")
	}
	if err := dst.putDescriptor(d); err != nil {
		return Descriptor{}, err
	}
	for sk := uint32(0); sk < d.Schema.SubkeyCount; sk++ {
		svd, ok, err := src.getSubkey(key, sk)
		if err != nil {
			return Descriptor{}, err
		}
		if !ok {
			continue
		}
		if err := dst.putSubkey(key, sk, svd); err != nil {
			return Descriptor{}, err
		}
	}
	if err := src.purgeRecord(key, d.Schema.SubkeyCount); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
