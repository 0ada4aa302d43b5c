package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vrpc/errs"
	"vrpc/message"
)

// State is where a call is in its life. Pending is the only non-terminal
// state; a call moves out of it exactly once.
type State int32

const (
	Pending State = iota
	Fulfilled
	TimedOut
	Cancelled
	ChannelClosed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case ChannelClosed:
		return "channel_closed"
	}
	return "unknown"
}

// Call is the one-shot completion handed out by Correlator.Request. It is
// written at most once, by whichever of response, timeout, cancellation or
// close reaches the correlation map first.
type Call struct {
	ID      string
	Request *message.RPCRequest
	Started time.Time

	once  sync.Once
	done  chan struct{}
	state atomic.Int32
	resp  *message.RPCResponse
	err   error

	mu    sync.Mutex
	timer *time.Timer

	abandon func(cause error)
}

func newCall(req *message.RPCRequest) *Call {
	return &Call{
		ID:      req.RType,
		Request: req,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
}

// resolve reports whether this write won.
func (c *Call) resolve(state State, resp *message.RPCResponse, err error) bool {
	won := false
	c.once.Do(func() {
		c.resp, c.err = resp, err
		c.state.Store(int32(state))
		close(c.done)
		won = true
	})
	return won
}

// startTimer arms the deadline unless the call already ended.
func (c *Call) startTimer(d time.Duration, fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.timer = time.AfterFunc(d, fire)
}

func (c *Call) stopTimer() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}

// Done is closed once the call reaches a terminal state.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) State() State {
	return State(c.state.Load())
}

// Wait blocks until the call resolves or ctx ends. When ctx ends first the
// call is cancelled and its pending entry removed; the returned error then
// matches both errs.ErrCancelled and ctx.Err(). A response that slipped in
// before the cancellation still wins.
func (c *Call) Wait(ctx context.Context) (*message.RPCResponse, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		if c.abandon != nil {
			c.abandon(ctx.Err())
		}
		<-c.done
	}
	return c.resp, c.err
}

// Result is Wait plus the response outcome: a response with ok=false becomes
// an RPC error carrying the peer's message.
func (c *Call) Result(ctx context.Context) (any, error) {
	resp, err := c.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return Outcome(c.Request.EType, resp)
}

// Outcome turns a response into the call result: its data, or its value
// when data is absent, or an RPC error when ok=false.
func Outcome(method string, resp *message.RPCResponse) (any, error) {
	if !resp.Succeeded() {
		msg := resp.Error
		if msg == "" {
			msg = "remote call failed"
		}
		return nil, errs.New(errs.KindRPC, "%s: %s", method, msg)
	}
	if resp.Data != nil {
		return resp.Data, nil
	}
	return resp.Value, nil
}
