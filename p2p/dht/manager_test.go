package dht

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/drep-project/overlay/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func kindTag() types.CryptoKind { return crypto.VLD0{}.Kind() }

func randomNodeID(t *testing.T, seed byte) types.NodeID {
	t.Helper()
	var id types.NodeID
	for i := range id {
		id[i] = seed
	}
	return id
}

func peerInfoFor(id types.NodeID) types.PeerInfo {
	return types.PeerInfo{NodeIDs: []types.TypedKey{{Kind: kindTag(), Key: id}}}
}

// routingFake answers ClosestPeers with whatever peers were registered for
// a target, standing in for routing.Table.ClosestPeers in these tests.
type routingFake struct {
	peers []types.PeerInfo
}

func (f *routingFake) ClosestPeers(target types.NodeID, k int) []types.PeerInfo {
	if len(f.peers) > k {
		return f.peers[:k]
	}
	return f.peers
}

// directClient routes SendRequest straight to the destination manager's own
// handlers, standing in for a live rpc.Processor/transport pair.
type directClient struct {
	self     types.NodeID
	managers map[types.NodeID]*StorageManager
}

func (c *directClient) SendRequest(ctx context.Context, dest types.NodeID, op rpc.Operation, payload []byte) ([]byte, error) {
	m, ok := c.managers[dest]
	if !ok {
		return nil, rpcerr.New(rpcerr.NotConnected, "no route to peer")
	}
	switch op {
	case rpc.OpGetValue:
		return m.handleGetValue(ctx, c.self, payload)
	case rpc.OpSetValue:
		return m.handleSetValue(ctx, c.self, payload)
	case rpc.OpWatchValue:
		return m.handleWatchValue(ctx, c.self, payload)
	case rpc.OpInspectValue:
		return m.handleInspectValue(ctx, c.self, payload)
	case rpc.OpValueChanged:
		return m.handleValueChanged(ctx, c.self, payload)
	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unsupported op in test client")
	}
}

func newTestManager(t *testing.T, self types.NodeID, finder Finder, client RPCClient) *StorageManager {
	t.Helper()
	cfg := config.DefaultDHTConfig()
	cfg.GetTimeoutMS = time.Second
	cfg.SetTimeoutMS = time.Second
	m := New(Config{
		Self:              self,
		Kind:              crypto.VLD0{},
		Finder:            finder,
		Client:            client,
		DHT:               cfg,
		Log:               testLog(),
		LocalDescriptors:  mustTable(t),
		LocalSubkeys:      mustTable(t),
		RemoteDescriptors: mustTable(t),
		RemoteSubkeys:     mustTable(t),
		OfflineWrites:     mustTable(t),
	})
	t.Cleanup(m.Close)
	return m
}

func mustTable(t *testing.T) store.Table {
	t.Helper()
	tbl, err := store.NewMemoryStore().Table("t")
	require.NoError(t, err)
	return tbl
}

func TestSchemaAuthorizeSubkeyDFLT(t *testing.T) {
	owner, _, err := crypto.VLD0{}.GenerateKeyPair()
	require.NoError(t, err)
	other, _, err := crypto.VLD0{}.GenerateKeyPair()
	require.NoError(t, err)
	schema := Schema{Kind: SchemaDFLT, SubkeyCount: 4}

	require.True(t, schema.AuthorizeSubkey(owner, owner, 0))
	require.False(t, schema.AuthorizeSubkey(owner, other, 0))
	require.False(t, schema.AuthorizeSubkey(owner, owner, 4))
}

func TestSchemaAuthorizeSubkeySMPL(t *testing.T) {
	owner, _, err := crypto.VLD0{}.GenerateKeyPair()
	require.NoError(t, err)
	member, _, err := crypto.VLD0{}.GenerateKeyPair()
	require.NoError(t, err)
	stranger, _, err := crypto.VLD0{}.GenerateKeyPair()
	require.NoError(t, err)
	schema := Schema{
		Kind:        SchemaSMPL,
		SubkeyCount: 10,
		Members:     []Member{{PublicKey: member, SubkeyStart: 2, SubkeyEnd: 4}},
	}

	require.True(t, schema.AuthorizeSubkey(owner, owner, 9))
	require.True(t, schema.AuthorizeSubkey(owner, member, 3))
	require.False(t, schema.AuthorizeSubkey(owner, member, 5))
	require.False(t, schema.AuthorizeSubkey(owner, stranger, 3))
}

func TestSchemaEncodeDecodeRoundTrip(t *testing.T) {
	member, _, err := crypto.VLD0{}.GenerateKeyPair()
	require.NoError(t, err)
	schema := Schema{Kind: SchemaSMPL, SubkeyCount: 16, Members: []Member{{PublicKey: member, SubkeyStart: 1, SubkeyEnd: 3}}}
	decoded, err := DecodeSchema(schema.Encode())
	require.NoError(t, err)
	require.Equal(t, schema.Kind, decoded.Kind)
	require.Equal(t, schema.SubkeyCount, decoded.SubkeyCount)
	require.Equal(t, schema.Members, decoded.Members)
}

func TestValidateSubkeyRanges(t *testing.T) {
	require.NoError(t, ValidateSubkeyRanges([][2]uint32{{0, 3}, {5, 5}}))
	require.Error(t, ValidateSubkeyRanges(nil))
	require.Error(t, ValidateSubkeyRanges([][2]uint32{{3, 1}}))
	big := make([][2]uint32, 513)
	require.Error(t, ValidateSubkeyRanges(big))
}

func TestNewDescriptorVerify(t *testing.T) {
	kind := crypto.VLD0{}
	owner, ownerSecret, err := kind.GenerateKeyPair()
	require.NoError(t, err)
	schema := Schema{Kind: SchemaDFLT, SubkeyCount: 4}

	desc, err := NewDescriptor(kind, owner, ownerSecret, schema)
	require.NoError(t, err)
	require.NoError(t, VerifyDescriptor(kind, desc))

	tampered := desc
	tampered.SchemaBytes = append([]byte(nil), desc.SchemaBytes...)
	tampered.SchemaBytes[0] ^= 0xff
	require.Error(t, VerifyDescriptor(kind, tampered))
}

func TestSignValueVerifyValue(t *testing.T) {
	kind := crypto.VLD0{}
	owner, ownerSecret, err := kind.GenerateKeyPair()
	require.NoError(t, err)
	schema := Schema{Kind: SchemaDFLT, SubkeyCount: 4}
	desc, err := NewDescriptor(kind, owner, ownerSecret, schema)
	require.NoError(t, err)

	svd, err := SignValue(kind, desc.Key, 0, 1, owner, ownerSecret, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, VerifyValue(kind, owner, schema, desc.Key, 0, svd))

	svd.Value = []byte("tampered")
	require.Error(t, VerifyValue(kind, owner, schema, desc.Key, 0, svd))
}

func TestSignValueRejectsOversize(t *testing.T) {
	kind := crypto.VLD0{}
	owner, ownerSecret, err := kind.GenerateKeyPair()
	require.NoError(t, err)
	_, err = SignValue(kind, types.TypedKey{}, 0, 1, owner, ownerSecret, make([]byte, MaxSubkeyDataSize+1))
	require.Error(t, err)
}

func TestStorageManagerCreateGetSetLocal(t *testing.T) {
	self := randomNodeID(t, 1)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})

	key, _, err := m.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 4}, SafetySelection{})
	require.NoError(t, err)

	svd, err := m.SetValue(context.Background(), key, 0, []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), svd.Seq)

	got, err := m.GetValue(context.Background(), key, 0, false)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got.Value)

	svd2, err := m.SetValue(context.Background(), key, 0, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, uint32(2), svd2.Seq)
}

func TestStorageManagerSetValueRequiresOpenRecord(t *testing.T) {
	self := randomNodeID(t, 2)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})
	key := types.TypedKey{Kind: kindTag(), Key: randomNodeID(t, 9)}
	_, err := m.SetValue(context.Background(), key, 0, []byte("x"))
	require.Error(t, err)
}

func TestStorageManagerCloseThenDeleteRecord(t *testing.T) {
	self := randomNodeID(t, 3)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})

	key, _, err := m.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 2}, SafetySelection{})
	require.NoError(t, err)

	require.Error(t, m.DeleteRecord(key), "still open, must refuse")
	m.CloseRecord(key)
	require.NoError(t, m.DeleteRecord(key))
	require.Error(t, m.DeleteRecord(key), "already gone")
}

func TestStorageManagerOpenRecordFromKnownDescriptor(t *testing.T) {
	kind := crypto.VLD0{}
	owner, ownerSecret, err := kind.GenerateKeyPair()
	require.NoError(t, err)
	desc, err := NewDescriptor(kind, owner, ownerSecret, Schema{Kind: SchemaDFLT, SubkeyCount: 4})
	require.NoError(t, err)

	self := randomNodeID(t, 4)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})

	require.NoError(t, m.OpenRecord(desc.Key, &desc, nil, owner, SafetySelection{}))
	_, err = m.GetValue(context.Background(), desc.Key, 0, false)
	require.Error(t, err, "subkey never written")
}

func TestStorageManagerOpenRecordFailsWithoutDescriptor(t *testing.T) {
	self := randomNodeID(t, 5)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})
	key := types.TypedKey{Kind: kindTag(), Key: randomNodeID(t, 9)}
	require.Error(t, m.OpenRecord(key, nil, nil, crypto.PublicKey{}, SafetySelection{}))
}

// TestStorageManagerSetValueFanoutPushesToPeer exercises the set_value
// network path: A creates and writes a record, and SetValue's fanout push
// lands the value in the remote store of B, the only peer A knows.
func TestStorageManagerSetValueFanoutPushesToPeer(t *testing.T) {
	aID, bID := randomNodeID(t, 10), randomNodeID(t, 20)
	managers := map[types.NodeID]*StorageManager{}

	finderA := &routingFake{peers: []types.PeerInfo{peerInfoFor(bID)}}
	a := newTestManager(t, aID, finderA, &directClient{self: aID, managers: managers})
	managers[aID] = a

	finderB := &routingFake{}
	b := newTestManager(t, bID, finderB, &directClient{self: bID, managers: managers})
	managers[bID] = b

	key, _, err := a.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 1}, SafetySelection{})
	require.NoError(t, err)
	_, err = a.SetValue(context.Background(), key, 0, []byte("pushed"))
	require.NoError(t, err)

	svd, ok, err := b.remote.getSubkey(key, 0)
	require.NoError(t, err)
	require.True(t, ok, "fanout push should have landed the value on B's remote store")
	require.Equal(t, []byte("pushed"), svd.Value)
}

func TestStorageManagerWatchValueValidatesRanges(t *testing.T) {
	self := randomNodeID(t, 30)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})
	key, _, err := m.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 4}, SafetySelection{})
	require.NoError(t, err)

	_, _, _, err = m.WatchValue(context.Background(), key, [][2]uint32{{2, 1}}, time.Now().Add(time.Hour), 1)
	require.Error(t, err)

	_, _, _, err = m.WatchValue(context.Background(), key, [][2]uint32{{0, 1}}, time.Now().Add(time.Millisecond), 1)
	require.Error(t, err, "expiration must exceed one rpc timeout from now")
}

func TestStorageManagerWatchValueGrantedByPeer(t *testing.T) {
	aID, bID := randomNodeID(t, 40), randomNodeID(t, 41)
	managers := map[types.NodeID]*StorageManager{}

	b := newTestManager(t, bID, &routingFake{}, &directClient{self: bID, managers: managers})
	managers[bID] = b
	key, _, err := b.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 4}, SafetySelection{})
	require.NoError(t, err)
	ownerDesc, ok, err := b.local.getDescriptor(key)
	require.NoError(t, err)
	require.True(t, ok)

	a := newTestManager(t, aID, &routingFake{peers: []types.PeerInfo{peerInfoFor(bID)}}, &directClient{self: aID, managers: managers})
	managers[aID] = a
	require.NoError(t, a.OpenRecord(key, &ownerDesc, nil, ownerDesc.Owner, SafetySelection{}))

	granted, _, count, err := a.WatchValue(context.Background(), key, [][2]uint32{{0, 3}}, time.Now().Add(time.Hour), 5)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, uint32(5), count)
}

// TestStorageManagerWatchValueDeliversValueChanged: once the watch is
// granted by the record's holder, a write
// the holder receives for a watched subkey must push a value_changed
// notification back to B, in seq order, decrementing the granted count.
func TestStorageManagerWatchValueDeliversValueChanged(t *testing.T) {
	aID, bID := randomNodeID(t, 42), randomNodeID(t, 43)
	managers := map[types.NodeID]*StorageManager{}

	b := newTestManager(t, bID, &routingFake{}, &directClient{self: bID, managers: managers})
	managers[bID] = b
	key, _, err := b.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 4}, SafetySelection{})
	require.NoError(t, err)
	ownerDesc, ok, err := b.local.getDescriptor(key)
	require.NoError(t, err)
	require.True(t, ok)

	a := newTestManager(t, aID, &routingFake{peers: []types.PeerInfo{peerInfoFor(bID)}}, &directClient{self: aID, managers: managers})
	managers[aID] = a
	require.NoError(t, a.OpenRecord(key, &ownerDesc, nil, ownerDesc.Owner, SafetySelection{}))

	type notification struct {
		subkey    uint32
		value     []byte
		remaining uint32
	}
	received := make(chan notification, 3)
	a.SetValueChangedHandler(func(k types.TypedKey, subkey uint32, value SignedValueData, remaining uint32) {
		received <- notification{subkey: subkey, value: value.Value, remaining: remaining}
	})

	granted, _, count, err := a.WatchValue(context.Background(), key, [][2]uint32{{0, 3}}, time.Now().Add(time.Hour), 2)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, uint32(2), count)

	_, err = b.SetValue(context.Background(), key, 0, []byte("v1"))
	require.NoError(t, err)
	_, err = b.SetValue(context.Background(), key, 0, []byte("v2"))
	require.NoError(t, err)

	first := <-received
	require.Equal(t, uint32(0), first.subkey)
	require.Equal(t, []byte("v1"), first.value)
	require.Equal(t, uint32(1), first.remaining)

	second := <-received
	require.Equal(t, []byte("v2"), second.value)
	require.Equal(t, uint32(0), second.remaining)
}

func TestOfflineWriteJournalAndReplay(t *testing.T) {
	selfID, peerID := randomNodeID(t, 50), randomNodeID(t, 51)
	managers := map[types.NodeID]*StorageManager{}
	peer := newTestManager(t, peerID, &routingFake{}, &directClient{self: peerID, managers: managers})
	managers[peerID] = peer

	m := newTestManager(t, selfID, &routingFake{peers: []types.PeerInfo{peerInfoFor(peerID)}}, &directClient{self: selfID, managers: managers})
	managers[selfID] = m
	key, _, err := m.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 2}, SafetySelection{})
	require.NoError(t, err)

	m.Suspend()
	svd, err := m.SetValue(context.Background(), key, 1, []byte("offline"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), svd.Seq)

	raw, err := m.offline.Get(recordKeyBytes(key))
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, decodeOfflineSubkeys(raw))

	m.Resume()
	require.NoError(t, m.ReplayOfflineWrites(context.Background()))
	_, err = m.offline.Get(recordKeyBytes(key))
	require.ErrorIs(t, err, store.ErrNotFound, "journal entry should clear once fanoutSet has a peer to push to")

	pushed, ok, err := peer.remote.getSubkey(key, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("offline"), pushed.Value)
}

func TestInspectValueLocalScope(t *testing.T) {
	self := randomNodeID(t, 60)
	m := newTestManager(t, self, &routingFake{}, &directClient{self: self, managers: map[types.NodeID]*StorageManager{}})
	key, _, err := m.CreateRecord(Schema{Kind: SchemaDFLT, SubkeyCount: 4}, SafetySelection{})
	require.NoError(t, err)
	_, err = m.SetValue(context.Background(), key, 0, []byte("a"))
	require.NoError(t, err)
	_, err = m.SetValue(context.Background(), key, 2, []byte("b"))
	require.NoError(t, err)

	seqs, err := m.InspectValue(context.Background(), key, [][2]uint32{{0, 3}}, InspectLocal)
	require.NoError(t, err)
	require.Len(t, seqs, 2)
}
