package rpc

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// wire connects two Processors' Sender interfaces directly, skipping
// envelopes/transport entirely, so the test exercises only frame encoding,
// correlation, and handler dispatch.
type wire struct {
	mu    sync.Mutex
	peers map[types.NodeID]*Processor
}

func newWire() *wire { return &wire{peers: make(map[types.NodeID]*Processor)} }

func (w *wire) register(id types.NodeID, p *Processor) {
	w.mu.Lock()
	w.peers[id] = p
	w.mu.Unlock()
}

func (w *wire) SendEnvelope(ctx context.Context, dest types.NodeID, body []byte) error {
	return w.deliver(types.NodeID{}, dest, body)
}

func (w *wire) deliver(source, dest types.NodeID, body []byte) error {
	w.mu.Lock()
	p, ok := w.peers[dest]
	w.mu.Unlock()
	if !ok {
		return rpcerr.New(rpcerr.NotConnected, "no such peer")
	}
	p.EnqueueInbound(body, source)
	return nil
}

// from returns a Sender on w that delivers with source as the sender id,
// as netman does, so a handler's answer is routed back to the requester.
func (w *wire) from(source types.NodeID) Sender { return wireEnd{w: w, source: source} }

type wireEnd struct {
	w      *wire
	source types.NodeID
}

func (e wireEnd) SendEnvelope(ctx context.Context, dest types.NodeID, body []byte) error {
	return e.w.deliver(e.source, dest, body)
}

type fakeTable struct {
	mu        sync.Mutex
	lost      map[types.NodeID]int
	succeeded map[types.NodeID]int
}

func newFakeTable() *fakeTable {
	return &fakeTable{lost: make(map[types.NodeID]int), succeeded: make(map[types.NodeID]int)}
}

func (f *fakeTable) RecordLostAnswer(id types.NodeID) {
	f.mu.Lock()
	f.lost[id]++
	f.mu.Unlock()
}

func (f *fakeTable) RecordSendSuccess(id types.NodeID) {
	f.mu.Lock()
	f.succeeded[id]++
	f.mu.Unlock()
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := frame{ID: 42, IsAnswer: true, IsError: true, ErrorKind: uint8(rpcerr.Timeout), Op: OpGetValue, Payload: []byte("oops")}
	decoded, err := decodeFrame(encodeFrame(f))
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestFrameDecodeRejectsTrailingBytes(t *testing.T) {
	encoded := encodeFrame(frame{ID: 1, Op: OpStatus})
	_, err := decodeFrame(append(encoded, 0xFF))
	require.Error(t, err)
}

func TestSendRequestRoundTrip(t *testing.T) {
	w := newWire()
	var aID, bID types.NodeID
	aID[0], bID[0] = 1, 2

	tableA := newFakeTable()
	a := New(Config{Self: aID, Sender: w.from(aID), Table: tableA, Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	b := New(Config{Self: bID, Sender: w.from(bID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	w.register(aID, a)
	w.register(bID, b)

	b.Handle(OpAppCall, func(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
		out := append([]byte("echo:"), payload...)
		return out, nil
	})

	resp, err := a.SendRequest(context.Background(), bID, OpAppCall, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(resp))
	require.Equal(t, 1, tableA.succeeded[bID])
}

func TestSendRequestPropagatesHandlerError(t *testing.T) {
	w := newWire()
	var aID, bID types.NodeID
	aID[0], bID[0] = 1, 2
	a := New(Config{Self: aID, Sender: w.from(aID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	b := New(Config{Self: bID, Sender: w.from(bID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	w.register(aID, a)
	w.register(bID, b)

	b.Handle(OpSetValue, func(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
		return nil, rpcerr.New(rpcerr.Unauthorized, "bad signature")
	})

	_, err := a.SendRequest(context.Background(), bID, OpSetValue, nil)
	require.Error(t, err)
	require.Equal(t, rpcerr.Unauthorized, rpcerr.Of(err))
}

// dropSender accepts every send and never delivers it, forcing the caller's
// wait to expire so SendRequest's retry loop runs to completion.
type dropSender struct{ sends int32 }

func (d *dropSender) SendEnvelope(ctx context.Context, dest types.NodeID, body []byte) error {
	d.sends++
	return nil
}

func TestSendRequestTimesOutAndRetries(t *testing.T) {
	var bID types.NodeID
	bID[0] = 2
	table := newFakeTable()
	sender := &dropSender{}
	a := New(Config{Self: types.NodeID{1}, Sender: sender, Table: table, Timeout: 10 * time.Millisecond, MaxRetries: 3, Log: testLog()})

	_, err := a.SendRequest(context.Background(), bID, OpStatus, nil)
	require.Error(t, err)
	require.Equal(t, rpcerr.Timeout, rpcerr.Of(err))
	require.EqualValues(t, 3, sender.sends)
	require.Equal(t, 3, table.lost[bID])
}

func TestSendRequestFailsImmediatelyOnNonTimeoutError(t *testing.T) {
	a := New(Config{Self: types.NodeID{1}, Sender: newWire(), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 3, Log: testLog()})

	_, err := a.SendRequest(context.Background(), types.NodeID{2}, OpStatus, nil)
	require.Error(t, err)
	require.Equal(t, rpcerr.NotConnected, rpcerr.Of(err))
}

func TestPingUsesStatusOperation(t *testing.T) {
	w := newWire()
	var aID, bID types.NodeID
	aID[0], bID[0] = 1, 2
	a := New(Config{Self: aID, Sender: w.from(aID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	b := New(Config{Self: bID, Sender: w.from(bID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	w.register(aID, a)
	w.register(bID, b)

	called := false
	b.Handle(OpStatus, func(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error) {
		called = true
		return nil, nil
	})

	require.NoError(t, a.Ping(context.Background(), bID))
	require.True(t, called)
}

func TestFindNodeRoundTrip(t *testing.T) {
	w := newWire()
	var aID, bID, targetID types.NodeID
	aID[0], bID[0], targetID[0] = 1, 2, 9

	a := New(Config{Self: aID, Sender: w.from(aID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	b := New(Config{Self: bID, Sender: w.from(bID), Table: newFakeTable(), Timeout: time.Second, MaxRetries: 1, Log: testLog()})
	w.register(aID, a)
	w.register(bID, b)

	want := types.PeerInfo{
		NodeIDs: []types.TypedKey{{Kind: types.ParseCryptoKind("VLD0"), Key: targetID}},
		Signed: map[types.RoutingDomain]types.SignedNodeInfo{
			types.DomainPublicInternet: {
				NodeInfo: types.NodeInfo{
					Domain: types.DomainPublicInternet,
					DialInfoList: []types.DialInfoDetail{
						{DialInfo: types.DialInfo{Protocol: types.ProtocolUDP, Address: net.IPv4(1, 2, 3, 4).To4(), Port: 5150}, Class: types.ClassDirect},
					},
					Protocols:    map[types.Protocol]bool{types.ProtocolUDP: true},
					Versions:     types.VersionRange{Min: 0, Max: 1},
					WillRoute:    true,
					PublicKeys:   map[types.CryptoKind]types.RawPublicKey{types.ParseCryptoKind("VLD0"): {Sign: []byte("sign"), DH: []byte("dh")}},
				},
				Timestamp: time.Unix(1_700_000_000, 0).UTC(),
				Signature: []byte("sig"),
			},
		},
	}

	b.RegisterFindNode(fakeFinder{target: bID, result: []types.PeerInfo{want}})

	got, err := a.FindNode(context.Background(), bID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.NodeIDs, got[0].NodeIDs)
	require.Equal(t, want.Signed[types.DomainPublicInternet].NodeInfo, got[0].Signed[types.DomainPublicInternet].NodeInfo)
	require.True(t, want.Signed[types.DomainPublicInternet].Timestamp.Equal(got[0].Signed[types.DomainPublicInternet].Timestamp))
}

type fakeFinder struct {
	target types.NodeID
	result []types.PeerInfo
}

func (f fakeFinder) ClosestPeers(target types.NodeID, k int) []types.PeerInfo {
	if target != f.target {
		return nil
	}
	return f.result
}
