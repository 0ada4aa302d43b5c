// Package rpc matches asynchronous RPC responses to the callers waiting for
// them.
//
// A caller asks the Correlator for a request and a Call, sends the request
// over whatever link it likes, and waits on the Call. The peer answers with
// an RPCResponse whose etype is the request's rtype; the receive side hands
// it to HandleResponse and the waiting caller wakes up.
//
//	caller-1 ──Request(rtype=rpc-a)──┐
//	caller-2 ──Request(rtype=rpc-b)──┼──→ link ──→ peer
//	                                 │
//	recv:  ←── response(etype=rpc-b) → pending[rpc-b] → caller-2 wakes up
//
// Every pending entry ends exactly once. Response, timeout, cancellation and
// close all go through LoadAndDelete on the pending map, so the first one to
// remove the entry decides the outcome and the rest find nothing.
package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vrpc/errs"
	"vrpc/message"
)

// Observer is told about every change to the pending set.
type Observer interface {
	PendingChanged(n int)
	CallFinished(method string, state State, elapsed time.Duration)
}

type Option func(*Correlator)

// WithTimeout sets the timeout used when Request is given zero.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Correlator) { c.obs = o }
}

// DefaultTimeout applies when neither Request nor WithTimeout give one.
const DefaultTimeout = 30 * time.Second

type Correlator struct {
	pending sync.Map // map[string]*Call
	count   atomic.Int64
	closed  atomic.Bool
	timeout time.Duration
	log     *zap.Logger
	obs     Observer
}

func NewCorrelator(opts ...Option) *Correlator {
	c := &Correlator{
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Request builds an RPC request for method under a fresh correlation id and
// registers it as pending. The call times out after timeout, or after the
// correlator's default when timeout is zero; a negative timeout disables it.
func (c *Correlator) Request(method string, args []any, kwargs map[string]any, timeout time.Duration) (*message.RPCRequest, *Call, error) {
	return c.Track(NewRequest(method, args, kwargs), timeout)
}

// Track registers an already built request as pending under its rtype.
func (c *Correlator) Track(req *message.RPCRequest, timeout time.Duration) (*message.RPCRequest, *Call, error) {
	if req == nil || req.RType == "" {
		return nil, nil, errs.New(errs.KindInvalidMessage, "rpc request must have rtype field")
	}
	if c.closed.Load() {
		return nil, nil, errs.New(errs.KindChannelClosed, "correlator closed")
	}
	call := newCall(req)
	id := call.ID
	call.abandon = func(cause error) {
		c.finish(id, Cancelled, nil, errs.Wrap(errs.KindCancelled, cause, "rpc %s (%s)", req.EType, id))
	}
	c.count.Add(1)
	if _, loaded := c.pending.LoadOrStore(id, call); loaded {
		c.count.Add(-1)
		return nil, nil, errs.New(errs.KindRPC, "duplicate correlation id %s", id)
	}
	c.changed(c.count.Load())

	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		d := timeout
		call.startTimer(d, func() {
			c.finish(id, TimedOut, nil, errs.New(errs.KindRPCTimeout, "rpc %s (%s) timed out after %s", req.EType, id, d))
		})
	}

	// Close may have swept the map between the check above and the store.
	if c.closed.Load() {
		c.finish(id, ChannelClosed, nil, errs.New(errs.KindChannelClosed, "correlator closed"))
	}
	return req, call, nil
}

// HandleResponse resolves the call whose correlation id is resp.EType. It
// fails when no such call is pending: unknown, late, or duplicate.
func (c *Correlator) HandleResponse(resp *message.RPCResponse) error {
	if resp == nil {
		return errs.New(errs.KindInvalidMessage, "nil response")
	}
	if !c.finish(resp.EType, Fulfilled, resp, nil) {
		return errs.New(errs.KindRPC, "no pending request for %s", resp.EType)
	}
	return nil
}

// HandleMessage is HandleResponse for a generic envelope.
func (c *Correlator) HandleMessage(m *message.Message) error {
	if m == nil {
		return errs.New(errs.KindInvalidMessage, "nil message")
	}
	return c.HandleResponse(m.AsResponse())
}

// Cancel drops the pending call id. It reports whether one existed; a
// caller still waiting gets a cancellation error.
func (c *Correlator) Cancel(id string) bool {
	return c.finish(id, Cancelled, nil, errs.New(errs.KindCancelled, "rpc %s cancelled", id))
}

// IsPending reports whether id is awaiting a response.
func (c *Correlator) IsPending(id string) bool {
	_, ok := c.pending.Load(id)
	return ok
}

func (c *Correlator) PendingCount() int {
	return int(c.count.Load())
}

// Clear resolves every pending call as ChannelClosed.
func (c *Correlator) Clear() {
	c.pending.Range(func(key, _ any) bool {
		c.finish(key.(string), ChannelClosed, nil, errs.New(errs.KindChannelClosed, "rpc %s: pending calls cleared", key))
		return true
	})
}

// Close clears the pending set and refuses new requests.
func (c *Correlator) Close() {
	c.closed.Store(true)
	c.Clear()
}

func (c *Correlator) finish(id string, state State, resp *message.RPCResponse, err error) bool {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	call := v.(*Call)
	call.stopTimer()
	c.changed(c.count.Add(-1))

	elapsed := time.Since(call.Started)
	if state != Fulfilled {
		c.log.Debug("rpc call ended without response",
			zap.String("method", call.Request.EType),
			zap.String("rtype", id),
			zap.Stringer("state", state),
			zap.Duration("elapsed", elapsed))
	}
	if c.obs != nil {
		c.obs.CallFinished(call.Request.EType, state, elapsed)
	}
	// Bookkeeping is done before the waiter wakes.
	call.resolve(state, resp, err)
	return true
}

func (c *Correlator) changed(n int64) {
	if c.obs != nil {
		c.obs.PendingChanged(int(n))
	}
}
