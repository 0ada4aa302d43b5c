// Package transport implements the peer link: many concurrent RPC calls and
// events over a single connection, plus heartbeat.
//
// Each outgoing request carries a fresh correlation id in its rtype. A single
// background goroutine (recvLoop) reads every incoming envelope; answers to
// pending ids go to the Correlator, which wakes the caller, and everything
// else goes to the EventHandler.
//
//	goroutine-1 ──Call(rtype=rpc-a)──┐
//	goroutine-2 ──Call(rtype=rpc-b)──┼──→ single conn ──→ peer
//	goroutine-3 ──Send(event)────────┘
//
//	recvLoop:  ←── response(etype=rpc-b) → Correlator → goroutine-2 wakes up
//	           ←── event(etype=SET)      → EventHandler
//
// The same Conn type serves both ends: a server wraps accepted connections
// and answers requests from its EventHandler.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vrpc/codec"
	"vrpc/errs"
	"vrpc/message"
	"vrpc/registry"
	"vrpc/rpc"
)

// EventHandler receives every incoming envelope that is not an answer to one
// of our own requests, including RPC requests from the peer. It runs on the
// receive goroutine, so it must hand slow work off.
type EventHandler func(c *Conn, m *message.Message)

// DefaultHeartbeat is the keepalive interval for dialed connections.
const DefaultHeartbeat = 30 * time.Second

type options struct {
	codec       codec.CodecType
	mirror      bool
	registry    *registry.Registry
	serOpts     []codec.Option
	corrOpts    []rpc.Option
	handler     EventHandler
	heartbeat   time.Duration
	idle        time.Duration
	callTimeout time.Duration
	log         *zap.Logger
}

type Option func(*options)

// WithCodec sets the codec used for outgoing envelopes. Incoming envelopes
// are decoded with whatever codec the peer used.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codec = ct }
}

// WithMirrorCodec makes the Conn answer in the codec of the last envelope it
// received. Servers use it so each client gets its own encoding back.
func WithMirrorCodec() Option {
	return func(o *options) { o.mirror = true }
}

func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSerializerOptions passes extra options to both serializers.
func WithSerializerOptions(opts ...codec.Option) Option {
	return func(o *options) { o.serOpts = append(o.serOpts, opts...) }
}

// WithCorrelatorOptions passes options to the Conn's Correlator.
func WithCorrelatorOptions(opts ...rpc.Option) Option {
	return func(o *options) { o.corrOpts = append(o.corrOpts, opts...) }
}

func WithHandler(h EventHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithHeartbeat sets the keepalive interval; 0 disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithIdleTimeout closes the link when nothing, heartbeats included, has
// arrived for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idle = d }
}

// WithCallTimeout sets the timeout Call uses.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Conn is one peer link. It is safe for concurrent use.
type Conn struct {
	link     Link
	sers     [2]*codec.Serializer // indexed by codec.CodecType
	sendType atomic.Uint32
	mirror   bool
	corr     *rpc.Correlator
	handler  EventHandler
	timeout  time.Duration
	log      *zap.Logger

	sending sync.Mutex // Frames from concurrent senders must not interleave

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

func newConn(link Link, o *options) *Conn {
	c := &Conn{
		link:    link,
		mirror:  o.mirror,
		handler: o.handler,
		timeout: o.callTimeout,
		log:     o.log.With(zap.String("peer", link.RemoteAddr())),
		closed:  make(chan struct{}),
	}
	for _, ct := range []codec.CodecType{codec.CodecTypeMsgpack, codec.CodecTypeJSON} {
		opts := append([]codec.Option{
			codec.WithCodec(codec.GetCodec(ct)),
			codec.WithRegistry(o.registry),
			codec.WithLogger(o.log),
		}, o.serOpts...)
		c.sers[ct] = codec.NewSerializer(opts...)
	}
	c.sendType.Store(uint32(o.codec))
	c.corr = rpc.NewCorrelator(append([]rpc.Option{rpc.WithLogger(o.log)}, o.corrOpts...)...)

	go c.recvLoop()
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

func buildOptions(opts []Option, heartbeat time.Duration) *options {
	o := &options{
		codec:     codec.CodecTypeMsgpack,
		heartbeat: heartbeat,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewConn wraps a stream connection using protocol frames. Heartbeats are
// off unless WithHeartbeat is given.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	o := buildOptions(opts, 0)
	return newConn(newFrameLink(nc, o.idle), o)
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(ws *websocket.Conn, opts ...Option) *Conn {
	o := buildOptions(opts, 0)
	return newConn(newWSLink(ws, o.idle), o)
}

// Dial connects to a framed TCP peer. Heartbeats default to
// DefaultHeartbeat.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts, DefaultHeartbeat)
	return newConn(newFrameLink(nc, o.idle), o), nil
}

// DialWebsocket connects to a websocket peer such as ws://host/ws.
func DialWebsocket(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts, DefaultHeartbeat)
	return newConn(newWSLink(ws, o.idle), o), nil
}

// Send encodes v, which may be any envelope variant, and writes it as one
// message.
func (c *Conn) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errs.Wrap(errs.KindChannelClosed, c.err, "send on closed link")
	default:
	}
	ct := codec.CodecType(c.sendType.Load())
	data, err := c.sers[ct].Serialize(v)
	if err != nil {
		return err
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	if err := c.link.WriteMessage(ct, data); err != nil {
		c.shutdown(err)
		return errs.Wrap(errs.KindChannelClosed, err, "write to %s", c.link.RemoteAddr())
	}
	return nil
}

// Call sends an RPC request for method and waits for its response. The
// default call timeout applies on top of any ctx deadline.
func (c *Conn) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (*message.RPCResponse, error) {
	return c.Do(ctx, &message.RPCRequest{EType: method, Args: args, Kwargs: kwargs})
}

// Do sends a copy of req under a fresh correlation id and waits for its
// response. The other request fields, uuid included, go out unchanged.
func (c *Conn) Do(ctx context.Context, req *message.RPCRequest) (*message.RPCResponse, error) {
	r := *req
	r.RType = rpc.NewRequestID()
	if r.Ts == 0 {
		r.Ts = message.Now()
	}
	_, call, err := c.corr.Track(&r, c.timeout)
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, &r); err != nil {
		c.corr.Cancel(r.RType)
		return nil, err
	}
	return call.Wait(ctx)
}

// Invoke is Call followed by rpc.Outcome: the response data, or an RPC
// error when the peer answered ok=false.
func (c *Conn) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	resp, err := c.Call(ctx, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	return rpc.Outcome(method, resp)
}

func (c *Conn) Correlator() *rpc.Correlator {
	return c.corr
}

func (c *Conn) RemoteAddr() string {
	return c.link.RemoteAddr()
}

// Done is closed when the link is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err reports why the link went away, or nil while it is up.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// Close tears the link down. Pending calls resolve as ChannelClosed.
func (c *Conn) Close() error {
	c.shutdown(net.ErrClosed)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.closed)
		c.link.Close()
		c.corr.Close()
		if !errors.Is(cause, net.ErrClosed) {
			c.log.Debug("link closed", zap.Error(cause))
		}
	})
}

// recvLoop is the only reader of the link: frames must be read in order.
func (c *Conn) recvLoop() {
	for {
		ct, data, err := c.link.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		if int(ct) >= len(c.sers) {
			c.log.Warn("dropping message in unknown codec", zap.Stringer("codec", ct))
			continue
		}
		m, err := c.sers[ct].DecodeMessage(data)
		if err != nil {
			c.log.Warn("dropping undecodable message", zap.Stringer("codec", ct), zap.Error(err))
			continue
		}
		if c.mirror {
			c.sendType.Store(uint32(ct))
		}
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m *message.Message) {
	// Answers to our ids never reach the EventHandler, even after the call
	// timed out or was cancelled.
	if !m.IsRequest() && (c.corr.IsPending(m.EType) || strings.HasPrefix(m.EType, rpc.IDPrefix)) {
		if err := c.corr.HandleMessage(m); err != nil {
			c.log.Debug("late response", zap.String("rtype", m.EType), zap.Error(err))
		}
		return
	}
	if c.handler == nil {
		c.log.Debug("no handler for message", zap.String("etype", m.EType))
		return
	}
	c.handler(c, m)
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		c.sending.Lock()
		err := c.link.Heartbeat()
		c.sending.Unlock()
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}
