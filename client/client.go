// Package client calls vrpc services by name: it discovers the peers of a
// service, picks one with a load balancer and reuses a small pool of
// multiplexed links per peer address.
//
//	Call(ctx, "scene", "render_frame", ...)
//	  → Retry → Logging → Tracing → send
//	                                 → Directory (cached, kept fresh by Watch)
//	                                 → Balancer.Pick(peers, affinity key)
//	                                 → pooled transport.Conn → Do
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vrpc/codec"
	"vrpc/discovery"
	"vrpc/errs"
	"vrpc/loadbalance"
	"vrpc/message"
	"vrpc/middleware"
	"vrpc/rpc"
	"vrpc/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client closed")

type callKey struct{}

type callInfo struct {
	service string
	key     string
}

type affinityKey struct{}

// WithAffinityKey makes calls made with ctx pick their peer by key, for
// balancers that honour one. Calls about the same scene entity can use its
// key to reach the same peer.
func WithAffinityKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKey{}, key)
}

type Option func(*Client)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithPoolSize sets how many links are kept per peer address. Calls are
// multiplexed, so a handful is plenty.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithRetry re-sends calls that failed for transport reasons up to n times.
func WithRetry(n int, baseDelay time.Duration) Option {
	return func(c *Client) { c.retries, c.retryDelay = n, baseDelay }
}

// WithTracerProvider enables a client span per call.
func WithTracerProvider(p trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = p }
}

// WithMiddleware adds middlewares inside the retry loop, around each
// attempt's send.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mw...) }
}

// WithConnOptions passes options to every dialed transport.Conn.
func WithConnOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// pool is the set of links to one peer. Links are multiplexed, so picking
// one does not take it away from other callers.
type pool struct {
	mu    sync.Mutex
	conns []*transport.Conn
	next  atomic.Uint64
}

type Client struct {
	dir         discovery.Directory
	balancer    loadbalance.Balancer
	poolSize    int
	retries     int
	retryDelay  time.Duration
	tracer      trace.TracerProvider
	middlewares []middleware.Middleware
	connOpts    []transport.Option
	log         *zap.Logger
	handler     middleware.HandlerFunc

	mu     sync.Mutex
	pools  map[string]*pool                             // transport pool for each peer address
	peers  map[string]*atomic.Pointer[[]discovery.Peer] // service → latest peer list
	closed bool

	ctx    context.Context // Scopes the directory watches
	cancel context.CancelFunc
}

func NewClient(dir discovery.Directory, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dir:      dir,
		balancer: &loadbalance.RoundRobinBalancer{},
		poolSize: 1,
		log:      zap.NewNop(),
		pools:    make(map[string]*pool),
		peers:    make(map[string]*atomic.Pointer[[]discovery.Peer]),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	mws := []middleware.Middleware{}
	if c.retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(c.retries, c.retryDelay, c.log))
	}
	mws = append(mws, middleware.LoggingMiddleware(c.log))
	if c.tracer != nil {
		mws = append(mws, middleware.TracingMiddleware(
			middleware.WithTracerProvider(c.tracer),
			middleware.WithSpanKind(trace.SpanKindClient)))
	}
	mws = append(mws, c.middlewares...)
	c.handler = middleware.Chain(mws...)(c.send)
	return c
}

// Call runs method on one peer of service and returns its response. A
// response with ok=false is not an error here; transport failures are.
func (c *Client) Call(ctx context.Context, service, method string, args []any, kwargs map[string]any) (*message.RPCResponse, error) {
	key, _ := ctx.Value(affinityKey{}).(string)
	ctx = context.WithValue(ctx, callKey{}, callInfo{service: service, key: key})
	ctx = middleware.WithAttempt(ctx)

	req := &message.RPCRequest{
		Ts:     message.Now(),
		EType:  method,
		UUID:   uuid.NewString(), // Stable across retries
		Args:   args,
		Kwargs: kwargs,
	}
	resp := c.handler(ctx, req)
	if err := middleware.AttemptError(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// Invoke is Call followed by rpc.Outcome.
func (c *Client) Invoke(ctx context.Context, service, method string, args []any, kwargs map[string]any) (any, error) {
	resp, err := c.Call(ctx, service, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	return rpc.Outcome(method, resp)
}

// Close tears down every pooled link and stops the directory watches.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*pool)
	c.mu.Unlock()

	c.cancel()
	for _, p := range pools {
		p.mu.Lock()
		for _, conn := range p.conns {
			if conn != nil {
				conn.Close()
			}
		}
		p.mu.Unlock()
	}
	return nil
}

// send is the innermost handler: one attempt on one peer. The typed error
// of a failed attempt goes to the attempt slot, so retries can tell
// transport faults from handler errors.
func (c *Client) send(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
	resp, err := c.attempt(ctx, req)
	middleware.SetAttemptError(ctx, err)
	if err != nil {
		return message.Failure(req.RType, err.Error())
	}
	return resp
}

func (c *Client) attempt(ctx context.Context, req *message.RPCRequest) (*message.RPCResponse, error) {
	info, _ := ctx.Value(callKey{}).(callInfo)
	peers, err := c.lookup(ctx, info.service)
	if err != nil {
		return nil, err
	}
	peer, err := c.balancer.Pick(peers, info.key)
	if err != nil {
		return nil, errs.Wrap(errs.KindChannelClosed, err, "service %s", info.service)
	}
	conn, err := c.getConn(ctx, *peer)
	if err != nil {
		return nil, err
	}
	return conn.Do(ctx, req)
}

// lookup returns the cached peer list of service. The first call for a
// service asks the directory and starts a watch that keeps the cache fresh.
func (c *Client) lookup(ctx context.Context, service string) ([]discovery.Peer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.Wrap(errs.KindChannelClosed, ErrClosed, "lookup %s", service)
	}
	cached, ok := c.peers[service]
	c.mu.Unlock()
	if ok {
		if list := cached.Load(); list != nil && len(*list) > 0 {
			return *list, nil
		}
	}

	peers, err := c.dir.Discover(ctx, service)
	if err != nil {
		return nil, errs.Wrap(errs.KindChannelClosed, err, "discover %s", service)
	}

	c.mu.Lock()
	cached, ok = c.peers[service]
	if !ok {
		cached = new(atomic.Pointer[[]discovery.Peer])
		c.peers[service] = cached
	}
	cached.Store(&peers)
	if !ok {
		go c.watch(service, cached)
	}
	c.mu.Unlock()
	return peers, nil
}

func (c *Client) watch(service string, cached *atomic.Pointer[[]discovery.Peer]) {
	for peers := range c.dir.Watch(c.ctx, service) {
		cached.Store(&peers)
		c.log.Debug("peers changed", zap.String("service", service), zap.Int("count", len(peers)))
		c.prune(peers)
	}
}

// prune closes pools whose address left the directory. Addresses of other
// services are left alone: pools are only pruned when no cached list still
// names them.
func (c *Client) prune(changed []discovery.Peer) {
	c.mu.Lock()
	live := make(map[string]bool)
	for _, cached := range c.peers {
		if list := cached.Load(); list != nil {
			for _, p := range *list {
				live[p.Addr] = true
			}
		}
	}
	for _, p := range changed {
		live[p.Addr] = true
	}
	var gone []*pool
	for addr, p := range c.pools {
		if !live[addr] {
			gone = append(gone, p)
			delete(c.pools, addr)
		}
	}
	c.mu.Unlock()

	for _, p := range gone {
		p.mu.Lock()
		for _, conn := range p.conns {
			if conn != nil {
				conn.Close()
			}
		}
		p.mu.Unlock()
	}
}

// getConn returns a live link to peer, dialing lazily. Broken links are
// replaced in place.
func (c *Client) getConn(ctx context.Context, peer discovery.Peer) (*transport.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.Wrap(errs.KindChannelClosed, ErrClosed, "dial %s", peer.Addr)
	}
	p, ok := c.pools[peer.Addr]
	if !ok {
		// No pool exists, create one
		p = &pool{conns: make([]*transport.Conn, c.poolSize)}
		c.pools[peer.Addr] = p
	}
	c.mu.Unlock()

	i := int((p.next.Add(1) - 1) % uint64(len(p.conns)))
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn := p.conns[i]; conn != nil && conn.Err() == nil {
		return conn, nil
	}

	opts := append([]transport.Option{transport.WithLogger(c.log)}, c.connOpts...)
	if peer.Codec != "" {
		ct, err := codec.ParseType(peer.Codec)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidMessage, err, "peer %s", peer.Addr)
		}
		opts = append(opts, transport.WithCodec(ct))
	}
	conn, err := transport.Dial(ctx, peer.Addr, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindChannelClosed, err, "dial %s", peer.Addr)
	}
	p.conns[i] = conn
	return conn, nil
}
