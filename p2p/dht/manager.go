package dht

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/drep-project/overlay/store"
	"github.com/sirupsen/logrus"
)

// SafetySelection names the route spec a record's network traffic should be
// sent over, left as a route id the routespec store resolves, so the DHT
// storage manager does not need to import routespec's onion compiler
// directly.
type SafetySelection struct {
	RouteID string // empty means send directly, no route spec
}

// OpenedRecord is one entry in the storage manager's opened_records map,
// carrying the caller's writer credentials and safety selection.
type OpenedRecord struct {
	WriterSecret crypto.SecretKey
	WriterPublic crypto.PublicKey
	HasWriter    bool
	Safety       SafetySelection
}

type watchState struct {
	watcher    types.NodeID
	subkeys    [][2]uint32
	expiration time.Time
	count      uint32
}

// Config bundles StorageManager's construction-time dependencies.
type Config struct {
	Self   types.NodeID
	Kind   crypto.Cryptosystem
	Finder Finder
	Client RPCClient
	DHT    config.DHTConfig
	Log    *logrus.Entry

	LocalDescriptors, LocalSubkeys   store.Table
	RemoteDescriptors, RemoteSubkeys store.Table
	OfflineWrites                    store.Table
}

// StorageManager owns the local and remote record stores and the opened
// record map, and drives the network paths of every record operation.
type StorageManager struct {
	self   types.NodeID
	kind   crypto.Cryptosystem
	finder Finder
	client RPCClient
	cfg    config.DHTConfig
	log    *logrus.Entry

	local   *recordStore
	remote  *recordStore
	offline store.Table

	mu      sync.Mutex
	opened  map[types.NodeID]*OpenedRecord
	watches map[types.NodeID]map[uint32]*watchState

	// pushTail is closed once the most recently queued value_changed pushes
	// have been sent; the next batch waits on it, so watchers receive
	// changes in the order they were made.
	pushTail chan struct{}

	onValueChanged func(key types.TypedKey, subkey uint32, value SignedValueData, remaining uint32)

	suspendMu sync.RWMutex
	suspended bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a StorageManager from cfg and starts its persistence and
// offline-replay background tasks.
func New(cfg Config) *StorageManager {
	m := &StorageManager{
		self:    cfg.Self,
		kind:    cfg.Kind,
		finder:  cfg.Finder,
		client:  cfg.Client,
		cfg:     cfg.DHT,
		log:     cfg.Log,
		local:   newRecordStore(cfg.LocalDescriptors, cfg.LocalSubkeys, cfg.DHT.LocalSubkeyCacheSize, int64(cfg.DHT.LocalMaxSubkeyCacheMemoryMB)<<20),
		remote:  newRecordStore(cfg.RemoteDescriptors, cfg.RemoteSubkeys, cfg.DHT.RemoteSubkeyCacheSize, int64(cfg.DHT.RemoteMaxStorageSpaceMB)<<20),
		offline: cfg.OfflineWrites,
		opened:  make(map[types.NodeID]*OpenedRecord),
		watches: make(map[types.NodeID]map[uint32]*watchState),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.persistenceLoop()
	return m
}

// Close stops the manager's background loops.
func (m *StorageManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Suspend holds back network operations without failing them: while
// suspended, GetValue's network path waits for Resume and SetValue stores
// locally and journals the write for offline replay instead of pushing it.
// Fanouts already running are not interrupted.
func (m *StorageManager) Suspend() {
	m.suspendMu.Lock()
	m.suspended = true
	m.suspendMu.Unlock()
}

// Resume clears a prior Suspend.
func (m *StorageManager) Resume() {
	m.suspendMu.Lock()
	m.suspended = false
	m.suspendMu.Unlock()
}

func (m *StorageManager) waitIfSuspended(ctx context.Context) error {
	for {
		m.suspendMu.RLock()
		s := m.suspended
		m.suspendMu.RUnlock()
		if !s {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// CreateRecord generates an owner keypair, derives the record's typed key,
// persists an empty record, and registers it as opened with writer=owner.
func (m *StorageManager) CreateRecord(schema Schema, safety SafetySelection) (types.TypedKey, crypto.SecretKey, error) {
	owner, ownerSecret, err := m.kind.GenerateKeyPair()
	if err != nil {
		return types.TypedKey{}, crypto.SecretKey{}, err
	}
	desc, err := NewDescriptor(m.kind, owner, ownerSecret, schema)
	if err != nil {
		return types.TypedKey{}, crypto.SecretKey{}, err
	}
	if err := m.local.putDescriptor(desc); err != nil {
		return types.TypedKey{}, crypto.SecretKey{}, err
	}

	m.mu.Lock()
	m.opened[desc.Key.Key] = &OpenedRecord{WriterSecret: ownerSecret, WriterPublic: owner, HasWriter: true, Safety: safety}
	m.mu.Unlock()
	return desc.Key, ownerSecret, nil
}

// OpenRecord opens an existing record for reading and, with a writer,
// writing. known, if non-nil, is merged into the remote store first so a record
// learned about out-of-band (e.g. shared by another peer) can be opened
// without a prior network round trip. (Records pushed by other peers through
// inbound set_value also land in the remote store.)
func (m *StorageManager) OpenRecord(key types.TypedKey, known *Descriptor, writerSecret *crypto.SecretKey, writerPublic crypto.PublicKey, safety SafetySelection) error {
	if known != nil {
		if err := VerifyDescriptor(m.kind, *known); err != nil {
			return err
		}
		if err := m.remote.putDescriptor(*known); err != nil {
			return err
		}
	}

	if _, ok, err := m.local.getDescriptor(key); err != nil {
		return err
	} else if !ok {
		if _, err := moveRecord(m.remote, m.local, key); err != nil {
			return rpcerr.New(rpcerr.KeyNotFound, "record not present in local or remote store")
		}
	}

	or := &OpenedRecord{WriterPublic: writerPublic, Safety: safety}
	if writerSecret != nil {
		or.WriterSecret = *writerSecret
		or.HasWriter = true
	}
	m.mu.Lock()
	m.opened[key.Key] = or
	m.mu.Unlock()
	return nil
}

// CloseRecord implements "close_record(key): remove from opened map; record
// remains in store."
func (m *StorageManager) CloseRecord(key types.TypedKey) {
	m.mu.Lock()
	delete(m.opened, key.Key)
	delete(m.watches, key.Key)
	m.mu.Unlock()
}

// DeleteRecord implements "delete_record(key): error if still open; else
// purge subkeys and record from store."
func (m *StorageManager) DeleteRecord(key types.TypedKey) error {
	m.mu.Lock()
	_, open := m.opened[key.Key]
	m.mu.Unlock()
	if open {
		return rpcerr.New(rpcerr.InvalidArgument, "record is still open")
	}

	if d, ok, err := m.local.getDescriptor(key); err != nil {
		return err
	} else if ok {
		return m.local.purgeRecord(key, d.Schema.SubkeyCount)
	}
	if d, ok, err := m.remote.getDescriptor(key); err != nil {
		return err
	} else if ok {
		return m.remote.purgeRecord(key, d.Schema.SubkeyCount)
	}
	return rpcerr.New(rpcerr.KeyNotFound, "record not found")
}

func (m *StorageManager) descriptorFor(key types.TypedKey) (Descriptor, error) {
	if d, ok, err := m.local.getDescriptor(key); err != nil {
		return Descriptor{}, err
	} else if ok {
		return d, nil
	}
	if d, ok, err := m.remote.getDescriptor(key); err != nil {
		return Descriptor{}, err
	} else if ok {
		return d, nil
	}
	return Descriptor{}, rpcerr.New(rpcerr.KeyNotFound, "record not found")
}

// GetValue returns a subkey's value: from the local caches unless
// forceRefresh, otherwise via the network fanout.
func (m *StorageManager) GetValue(ctx context.Context, key types.TypedKey, subkey uint32, forceRefresh bool) (SignedValueData, error) {
	desc, err := m.descriptorFor(key)
	if err != nil {
		return SignedValueData{}, err
	}

	if !forceRefresh {
		if svd, ok, err := m.local.getSubkey(key, subkey); err != nil {
			return SignedValueData{}, err
		} else if ok {
			return svd, nil
		}
		if svd, ok, err := m.remote.getSubkey(key, subkey); err != nil {
			return SignedValueData{}, err
		} else if ok {
			return svd, nil
		}
	}

	if err := m.waitIfSuspended(ctx); err != nil {
		return SignedValueData{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.GetTimeoutMS)
	defer cancel()

	validate := func(svd SignedValueData) error {
		cached, ok, _ := m.local.getSubkey(key, subkey)
		if ok && svd.Seq <= cached.Seq {
			return rpcerr.New(rpcerr.TryAgain, "stale seq")
		}
		return VerifyValue(m.kind, desc.Owner, desc.Schema, key, subkey, svd)
	}
	best, found, err := fanoutGet(ctx, m.finder, m.client, key.Key, m.cfg.GetCount, m.cfg.GetFanout, getValueRequest{Key: key, Subkey: subkey, ForceRefresh: forceRefresh}, validate)
	if err != nil {
		return SignedValueData{}, err
	}
	if !found {
		return SignedValueData{}, rpcerr.New(rpcerr.KeyNotFound, "subkey not found")
	}
	if err := m.remote.putSubkey(key, subkey, best); err != nil {
		return SignedValueData{}, err
	}
	return best, nil
}

// SetValue signs and stores a subkey value locally at the next seq, then
// pushes it to the network. A strictly newer conflicting value returned by
// a peer wins and is handed back to the caller as the actually-stored one.
func (m *StorageManager) SetValue(ctx context.Context, key types.TypedKey, subkey uint32, value []byte) (SignedValueData, error) {
	desc, err := m.descriptorFor(key)
	if err != nil {
		return SignedValueData{}, err
	}
	m.mu.Lock()
	or, ok := m.opened[key.Key]
	m.mu.Unlock()
	if !ok {
		return SignedValueData{}, rpcerr.New(rpcerr.InvalidArgument, "record is not open")
	}
	writer, writerSecret := desc.Owner, crypto.SecretKey{}
	if or.HasWriter {
		writer, writerSecret = or.WriterPublic, or.WriterSecret
	}
	if !desc.Schema.AuthorizeSubkey(desc.Owner, writer, subkey) {
		return SignedValueData{}, rpcerr.New(rpcerr.Unauthorized, "writer not authorized for subkey")
	}

	seq := uint32(1)
	if cur, ok, err := m.local.getSubkey(key, subkey); err != nil {
		return SignedValueData{}, err
	} else if ok {
		seq = cur.Seq + 1
	}
	svd, err := SignValue(m.kind, key, subkey, seq, writer, writerSecret, value)
	if err != nil {
		return SignedValueData{}, err
	}
	if err := m.local.putSubkey(key, subkey, svd); err != nil {
		return SignedValueData{}, err
	}
	m.notifyWatchers(key, subkey, svd)

	if m.isSuspended() {
		return svd, m.journalOfflineWrite(key, or.Safety, subkey)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SetTimeoutMS)
	defer cancel()
	req := setValueRequest{Key: key, Owner: desc.Owner, Schema: desc.Schema, Subkey: subkey, Value: svd}
	_, conflict, hasConflict, err := fanoutSet(ctx, m.finder, m.client, key.Key, m.cfg.SetCount, m.cfg.SetFanout, req)
	if err != nil {
		return svd, m.journalOfflineWrite(key, or.Safety, subkey)
	}
	if hasConflict {
		if err := m.local.putSubkey(key, subkey, conflict); err != nil {
			return SignedValueData{}, err
		}
		return conflict, nil
	}
	return svd, nil
}

func (m *StorageManager) isSuspended() bool {
	m.suspendMu.RLock()
	defer m.suspendMu.RUnlock()
	return m.suspended
}

// journalOfflineWrite implements "set_value performed while network is down
// is journaled in a persistent table offline_subkey_writes[key] →
// {safety_selection, subkeys}".
func (m *StorageManager) journalOfflineWrite(key types.TypedKey, safety SafetySelection, subkey uint32) error {
	existing, err := m.offline.Get(recordKeyBytes(key))
	var subkeys []uint32
	if err == nil {
		subkeys = decodeOfflineSubkeys(existing)
	} else if err != store.ErrNotFound {
		return err
	}
	for _, sk := range subkeys {
		if sk == subkey {
			return nil
		}
	}
	subkeys = append(subkeys, subkey)
	return m.offline.Put(recordKeyBytes(key), encodeOfflineSubkeys(safety, subkeys))
}

// ReplayOfflineWrites pushes every journaled offline write, removing each
// key once its whole subkey set has been pushed.
func (m *StorageManager) ReplayOfflineWrites(ctx context.Context) error {
	var keys [][]byte
	if err := m.offline.Iterate(nil, func(key, value []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	}); err != nil {
		return err
	}
	for _, raw := range keys {
		if err := m.replayOne(ctx, raw); err != nil {
			m.log.WithError(err).Debug("offline replay attempt failed, will retry next tick")
		}
	}
	return nil
}

func (m *StorageManager) replayOne(ctx context.Context, rawKey []byte) error {
	value, err := m.offline.Get(rawKey)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	key := typedKeyFromRecordBytes(rawKey)
	desc, err := m.descriptorFor(key)
	if err != nil {
		return err
	}
	subkeys := decodeOfflineSubkeys(value)

	allPushed := true
	for _, sk := range subkeys {
		svd, ok, err := m.local.getSubkey(key, sk)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		req := setValueRequest{Key: key, Owner: desc.Owner, Schema: desc.Schema, Subkey: sk, Value: svd}
		accepted, _, _, err := fanoutSet(ctx, m.finder, m.client, key.Key, m.cfg.SetCount, m.cfg.SetFanout, req)
		if err != nil || !accepted {
			allPushed = false
		}
	}
	if allPushed {
		return m.offline.Delete(rawKey)
	}
	return nil
}

func typedKeyFromRecordBytes(b []byte) types.TypedKey {
	var k types.TypedKey
	copy(k.Kind[:], b[:4])
	copy(k.Key[:], b[4:])
	return k
}

func encodeOfflineSubkeys(safety SafetySelection, subkeys []uint32) []byte {
	var buf bytes.Buffer
	writeKeyedBytes(&buf, []byte(safety.RouteID))
	buf.WriteByte(byte(len(subkeys)))
	for _, sk := range subkeys {
		writeUint32(&buf, sk)
	}
	return buf.Bytes()
}

func decodeOfflineSubkeys(data []byte) []uint32 {
	br := bytes.NewReader(data)
	routeID, err := readKeyedBytes(br)
	_ = routeID
	if err != nil {
		return nil
	}
	n, err := br.ReadByte()
	if err != nil {
		return nil
	}
	out := make([]uint32, 0, n)
	for i := byte(0); i < n; i++ {
		v, err := readUint32(br)
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out
}

// WatchValue asks a peer holding the record to push value_changed
// notifications for the given subkeys, for count changes or until the
// granted expiration.
func (m *StorageManager) WatchValue(ctx context.Context, key types.TypedKey, subkeyRanges [][2]uint32, expiration time.Time, count uint32) (bool, time.Time, uint32, error) {
	if err := ValidateSubkeyRanges(subkeyRanges); err != nil {
		return false, time.Time{}, 0, err
	}
	if !expiration.After(time.Now().Add(m.cfg.GetTimeoutMS)) {
		return false, time.Time{}, 0, rpcerr.New(rpcerr.InvalidArgument, "expiration must exceed one rpc timeout from now")
	}
	if expiration.Sub(time.Now()) > m.cfg.MaxWatchExpirationMS {
		expiration = time.Now().Add(m.cfg.MaxWatchExpirationMS)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.GetTimeoutMS)
	defer cancel()
	req := watchValueRequest{Key: key, SubkeyRanges: subkeyRanges, ExpirationUnix: unixFromTime(expiration), Count: count}

	seed := m.finder.ClosestPeers(key.Key, m.cfg.GetCount)
	for _, peer := range seed {
		for _, tk := range peer.NodeIDs {
			resp, err := m.client.SendRequest(ctx, tk.Key, rpc.OpWatchValue, encodeWatchValueRequest(req))
			if err != nil {
				continue
			}
			wv, err := decodeWatchValueResponse(resp)
			if err != nil || !wv.Granted {
				continue
			}
			m.mu.Lock()
			if m.watches[key.Key] == nil {
				m.watches[key.Key] = make(map[uint32]*watchState)
			}
			m.watches[key.Key][subkeyRanges[0][0]] = &watchState{subkeys: subkeyRanges, expiration: timeFromUnix(wv.ExpirationUnix), count: wv.Count}
			m.mu.Unlock()
			return true, timeFromUnix(wv.ExpirationUnix), wv.Count, nil
		}
	}
	return false, time.Time{}, 0, rpcerr.New(rpcerr.TryAgain, "no peer accepted the watch")
}

// InspectValue returns the best-known seq per requested subkey according
// to scope.
func (m *StorageManager) InspectValue(ctx context.Context, key types.TypedKey, subkeyRanges [][2]uint32, scope InspectScope) ([]subkeySeq, error) {
	if err := ValidateSubkeyRanges(subkeyRanges); err != nil {
		return nil, err
	}
	desc, err := m.descriptorFor(key)
	if err != nil {
		return nil, err
	}

	local := func() ([]subkeySeq, error) {
		var out []subkeySeq
		for _, rg := range subkeyRanges {
			for sk := rg[0]; sk <= rg[1] && sk < desc.Schema.SubkeyCount; sk++ {
				if svd, ok, err := m.local.getSubkey(key, sk); err != nil {
					return nil, err
				} else if ok {
					out = append(out, subkeySeq{Subkey: sk, Seq: svd.Seq})
				}
			}
		}
		return out, nil
	}

	switch scope {
	case InspectLocal, InspectUpdateGet, InspectUpdateSet:
		return local()
	default: // InspectSyncGet, InspectSyncSet: consult an accepting remote peer
		ctx, cancel := context.WithTimeout(ctx, m.cfg.GetTimeoutMS)
		defer cancel()
		req := inspectValueRequest{Key: key, SubkeyRanges: subkeyRanges, Scope: scope}
		seed := m.finder.ClosestPeers(key.Key, m.cfg.GetCount)
		for _, peer := range seed {
			for _, tk := range peer.NodeIDs {
				resp, err := m.client.SendRequest(ctx, tk.Key, rpc.OpInspectValue, encodeInspectValueRequest(req))
				if err != nil {
					continue
				}
				iv, err := decodeInspectValueResponse(resp)
				if err != nil {
					continue
				}
				return iv.Seqs, nil
			}
		}
		return local()
	}
}

// RegisterHandlers wires this manager's network-facing operations onto
// proc, so inbound get_value/set_value/watch_value/inspect_value/
// value_changed requests from other peers are answered locally.
func (m *StorageManager) RegisterHandlers(proc *rpc.Processor) {
	proc.Handle(rpc.OpGetValue, m.handleGetValue)
	proc.Handle(rpc.OpSetValue, m.handleSetValue)
	proc.Handle(rpc.OpWatchValue, m.handleWatchValue)
	proc.Handle(rpc.OpInspectValue, m.handleInspectValue)
	proc.Handle(rpc.OpValueChanged, m.handleValueChanged)
}

// SetValueChangedHandler registers the callback WatchValue's caller
// receives for each value_changed push. Must be called before the
// watch is granted; there is one handler per StorageManager, matching the
// single app_message handler shape consumers register on rpc.Processor.
func (m *StorageManager) SetValueChangedHandler(fn func(key types.TypedKey, subkey uint32, value SignedValueData, remaining uint32)) {
	m.mu.Lock()
	m.onValueChanged = fn
	m.mu.Unlock()
}

func (m *StorageManager) handleGetValue(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	req, err := decodeGetValueRequest(payload)
	if err != nil {
		return nil, err
	}
	resp := getValueResponse{Peers: m.finder.ClosestPeers(req.Key.Key, rpc.FindNodeFanout)}
	if svd, ok, _ := m.local.getSubkey(req.Key, req.Subkey); ok {
		resp.Found, resp.Value = true, svd
	} else if svd, ok, _ := m.remote.getSubkey(req.Key, req.Subkey); ok {
		resp.Found, resp.Value = true, svd
	}
	return encodeGetValueResponse(resp), nil
}

func (m *StorageManager) handleSetValue(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	req, err := decodeSetValueRequest(payload)
	if err != nil {
		return nil, err
	}
	resp := setValueResponse{Peers: m.finder.ClosestPeers(req.Key.Key, rpc.FindNodeFanout)}

	if err := VerifyValue(m.kind, req.Owner, req.Schema, req.Key, req.Subkey, req.Value); err != nil {
		return encodeSetValueResponse(resp), nil
	}
	if cur, ok, err := m.remote.getSubkey(req.Key, req.Subkey); err == nil && ok && cur.Seq >= req.Value.Seq {
		resp.Conflict, resp.Value = true, cur
		return encodeSetValueResponse(resp), nil
	}

	if _, ok, _ := m.remote.getDescriptor(req.Key); !ok {
		desc := Descriptor{Key: req.Key, Owner: req.Owner, Schema: req.Schema, SchemaBytes: req.Schema.Encode(), CreatedAt: time.Now()}
		if err := m.remote.putDescriptor(desc); err != nil {
			return nil, err
		}
	}
	if err := m.remote.putSubkey(req.Key, req.Subkey, req.Value); err != nil {
		return nil, err
	}
	resp.Accepted = true
	m.notifyWatchers(req.Key, req.Subkey, req.Value)
	return encodeSetValueResponse(resp), nil
}

func (m *StorageManager) handleWatchValue(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	req, err := decodeWatchValueRequest(payload)
	if err != nil {
		return nil, err
	}
	if err := ValidateSubkeyRanges(req.SubkeyRanges); err != nil {
		return encodeWatchValueResponse(watchValueResponse{}), nil
	}

	desc, err := m.descriptorFor(req.Key)
	if err != nil {
		return encodeWatchValueResponse(watchValueResponse{}), nil
	}
	limit := m.cfg.PublicWatchLimit
	if desc.Schema.Kind == SchemaSMPL {
		limit = m.cfg.MemberWatchLimit
	}
	m.mu.Lock()
	current := len(m.watches[req.Key.Key])
	m.mu.Unlock()
	if current >= limit {
		return encodeWatchValueResponse(watchValueResponse{}), nil
	}

	m.mu.Lock()
	if m.watches[req.Key.Key] == nil {
		m.watches[req.Key.Key] = make(map[uint32]*watchState)
	}
	m.watches[req.Key.Key][req.SubkeyRanges[0][0]] = &watchState{watcher: source, subkeys: req.SubkeyRanges, expiration: timeFromUnix(req.ExpirationUnix), count: req.Count}
	m.mu.Unlock()
	return encodeWatchValueResponse(watchValueResponse{Granted: true, ExpirationUnix: req.ExpirationUnix, Count: req.Count}), nil
}

// handleValueChanged answers an inbound value_changed push from a record
// holder we are watching, delivering it to the registered callback in seq
// order.
func (m *StorageManager) handleValueChanged(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	req, err := decodeValueChangedRequest(payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	fn := m.onValueChanged
	m.mu.Unlock()
	if fn != nil {
		fn(req.Key, req.Subkey, req.Value, req.Remaining)
	}
	return encodeValueChangedResponse(valueChangedResponse{}), nil
}

func (m *StorageManager) handleInspectValue(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
	req, err := decodeInspectValueRequest(payload)
	if err != nil {
		return nil, err
	}
	desc, err := m.descriptorFor(req.Key)
	if err != nil {
		return encodeInspectValueResponse(inspectValueResponse{}), nil
	}
	var seqs []subkeySeq
	for _, rg := range req.SubkeyRanges {
		for sk := rg[0]; sk <= rg[1] && sk < desc.Schema.SubkeyCount; sk++ {
			if svd, ok, _ := m.remote.getSubkey(req.Key, sk); ok {
				seqs = append(seqs, subkeySeq{Subkey: sk, Seq: svd.Seq})
			}
		}
	}
	return encodeInspectValueResponse(inspectValueResponse{Seqs: seqs}), nil
}

// notifyWatchers decrements each matching watch's count on a subkey change
// and pushes a value_changed notification to the node that requested it;
// at zero remaining the watch ends. The push is fire-and-forget: it runs in
// a background goroutine, after any earlier pushes, so a watcher receives
// changes in the order they were made and the writer never waits. A watcher
// that is unreachable just never advances its own count, the same as a
// dropped envelope anywhere else in this system.
func (m *StorageManager) notifyWatchers(key types.TypedKey, subkey uint32, svd SignedValueData) {
	m.mu.Lock()
	var toPush []valueChangedRequest
	var toNotify []types.NodeID
	for start, w := range m.watches[key.Key] {
		matched := false
		for _, rg := range w.subkeys {
			if subkey >= rg[0] && subkey <= rg[1] {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if w.count > 0 {
			w.count--
		}
		remaining := w.count
		if w.count == 0 {
			delete(m.watches[key.Key], start)
		}
		toPush = append(toPush, valueChangedRequest{Key: key, Subkey: subkey, Value: svd, Remaining: remaining})
		toNotify = append(toNotify, w.watcher)
	}
	prev, done := m.pushTail, make(chan struct{})
	m.pushTail = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		for i, r := range toPush {
			dest := toNotify[i]
			if dest.IsZero() {
				// Local bookkeeping entry for a watch we hold on another node;
				// that node pushes to us, not the other way around.
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GetTimeoutMS)
			if _, err := m.client.SendRequest(ctx, dest, rpc.OpValueChanged, encodeValueChangedRequest(r)); err != nil {
				m.log.WithError(err).Debug("value_changed push failed")
			}
			cancel()
		}
	}()
}

// persistenceLoop replays offline writes on a tick. The in-memory subkey
// cache writes through to the persistent table on every put, so there are
// no dirty subkeys to flush here or at shutdown; driving offline-write
// replay is the tick's whole job.
func (m *StorageManager) persistenceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.ReplayOfflineWrites(context.Background()); err != nil {
				m.log.WithError(err).Warn("offline write replay tick failed")
			}
		}
	}
}
