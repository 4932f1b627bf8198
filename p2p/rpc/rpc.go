// Package rpc implements the RPC processor: it assigns operation ids,
// correlates requests to responses, retries and times out outstanding
// questions, and dispatches inbound decrypted bodies (delivered through
// netman.InboundSink.EnqueueInbound) to per-operation handlers. It consumes
// the network manager and routing table; it does not reimplement them.
package rpc

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/sirupsen/logrus"
)

// Operation identifies the RPC methods the core exposes and consumes.
// OpValueChanged is the watch push: the record holder initiates it
// unsolicited rather than answering a question.
type Operation uint8

const (
	OpStatus Operation = iota
	OpValidateDialInfo
	OpFindNode
	OpGetValue
	OpSetValue
	OpWatchValue
	OpInspectValue
	OpAppCall
	OpAppMessage
	OpValueChanged
)

// Sender is the slice of netman.Manager the processor needs to deliver
// outbound request/answer bodies.
type Sender interface {
	SendEnvelope(ctx context.Context, dest types.NodeID, body []byte) error
}

// PeerTable is the slice of routing.Table the processor needs to account
// for in-flight questions and lost answers.
type PeerTable interface {
	RecordLostAnswer(id types.NodeID)
	RecordSendSuccess(id types.NodeID)
}

// Handler answers one inbound Operation's request payload, returning the
// response payload to send back (or an error, encoded into an error
// response frame).
type Handler func(ctx context.Context, source types.NodeID, payload []byte) ([]byte, error)

// Config bundles Processor's construction-time dependencies and the
// timeout/retry bounds.
type Config struct {
	Self       types.NodeID
	Sender     Sender
	Table      PeerTable
	Timeout    time.Duration
	MaxRetries int
	Log        *logrus.Entry
}

// Processor correlates outbound questions with their answers and routes
// inbound questions to handlers.
type Processor struct {
	self    types.NodeID
	sender  Sender
	table   PeerTable
	timeout time.Duration
	retries int
	log     *logrus.Entry

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	handlers map[Operation]Handler
}

type pendingCall struct {
	answers chan frame
}

// New builds a Processor from cfg.
func New(cfg Config) *Processor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Processor{
		self:     cfg.Self,
		sender:   cfg.Sender,
		table:    cfg.Table,
		timeout:  timeout,
		retries:  cfg.MaxRetries,
		log:      cfg.Log,
		pending:  make(map[uint64]*pendingCall),
		handlers: make(map[Operation]Handler),
	}
}

// SetSender wires the envelope send path after construction, resolving the
// constructor cycle between this processor (which needs netman as its
// Sender) and netman (which needs this processor as its inbound sink).
// Must be called before any request traffic starts.
func (p *Processor) SetSender(s Sender) {
	p.mu.Lock()
	p.sender = s
	p.mu.Unlock()
}

// Handle registers the Handler that answers inbound requests for op.
// find_node is registered by RegisterFindNode, status and
// validate_dial_info by discovery.New, and the DHT operations by the DHT
// storage manager's RegisterHandlers.
func (p *Processor) Handle(op Operation, h Handler) {
	p.mu.Lock()
	p.handlers[op] = h
	p.mu.Unlock()
}

func newOpID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// SendRequest sends op to dest and waits for the answer: it assigns a
// fresh operation id per attempt, makes up to MaxRetries attempts in all
// (at least one), starting another only after a timeout, and returns the
// first matching answer.
func (p *Processor) SendRequest(ctx context.Context, dest types.NodeID, op Operation, payload []byte) ([]byte, error) {
	attempts := p.retries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := p.sendOnce(ctx, dest, op, payload)
		if err == nil {
			p.table.RecordSendSuccess(dest)
			return resp, nil
		}
		lastErr = err
		if rpcerr.Of(err) != rpcerr.Timeout {
			return nil, err
		}
		p.table.RecordLostAnswer(dest)
	}
	return nil, lastErr
}

func (p *Processor) sendOnce(ctx context.Context, dest types.NodeID, op Operation, payload []byte) ([]byte, error) {
	id := newOpID()
	call := &pendingCall{answers: make(chan frame, 1)}
	p.mu.Lock()
	p.pending[id] = call
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	wire := encodeFrame(frame{ID: id, IsAnswer: false, Op: op, Payload: payload})
	if err := p.sender.SendEnvelope(ctx, dest, wire); err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case f := <-call.answers:
		if f.IsError {
			return nil, rpcerr.New(rpcerr.Kind(f.ErrorKind), string(f.Payload))
		}
		return f.Payload, nil
	case <-timer.C:
		return nil, rpcerr.New(rpcerr.Timeout, "rpc request timed out")
	case <-ctx.Done():
		return nil, rpcerr.Wrapf(rpcerr.Timeout, ctx.Err(), "rpc request cancelled")
	}
}

// EnqueueInbound implements netman.InboundSink: it is the single entry
// point for every decrypted RPC body, dispatching answers to their
// correlated waiter and requests to the registered Handler.
func (p *Processor) EnqueueInbound(body []byte, source types.NodeID) {
	f, err := decodeFrame(body)
	if err != nil {
		p.log.WithError(err).Debug("dropping malformed rpc frame")
		return
	}
	if f.IsAnswer {
		p.mu.Lock()
		call, ok := p.pending[f.ID]
		p.mu.Unlock()
		if ok {
			select {
			case call.answers <- f:
			default:
			}
		}
		return
	}

	p.mu.Lock()
	h, ok := p.handlers[f.Op]
	p.mu.Unlock()
	if !ok {
		return
	}
	go p.answer(source, f, h)
}

func (p *Processor) answer(source types.NodeID, f frame, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	resp, err := h(ctx, source, f.Payload)
	answer := frame{ID: f.ID, IsAnswer: true, Op: f.Op}
	if err != nil {
		answer.IsError = true
		answer.ErrorKind = uint8(rpcerr.Of(err))
		answer.Payload = []byte(err.Error())
	} else {
		answer.Payload = resp
	}
	if sendErr := p.sender.SendEnvelope(ctx, source, encodeFrame(answer)); sendErr != nil {
		p.log.WithError(sendErr).Debug("failed to send rpc answer")
		return
	}
	// A successfully sent answer is as much evidence of reachability as a
	// successfully sent question: a Dead peer must recover on ordinary
	// traffic, not only on our own outbound pings.
	p.table.RecordSendSuccess(source)
}

// Ping implements routing.Pinger: a status round trip used purely for
// liveness, discarding the answer payload.
func (p *Processor) Ping(ctx context.Context, id types.NodeID) error {
	_, err := p.SendRequest(ctx, id, OpStatus, nil)
	return err
}
