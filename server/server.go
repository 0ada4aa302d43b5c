// Package server implements the vrpc peer server: method registration,
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn (TCP or websocket) → transport.Conn recvLoop (single reader)
//	  → RPC request: go handleRequest (parallel processing)
//	    → Middleware Chain → businessHandler → RPCResponse{etype: rtype} → Conn.Send
//	  → other envelope: event handler registered with On, in arrival order
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vrpc/discovery"
	"vrpc/errs"
	"vrpc/message"
	"vrpc/middleware"
	"vrpc/registry"
	"vrpc/rpc"
	"vrpc/transport"
)

// Handler answers one RPC request. The returned value becomes the response
// data; a non-nil error becomes an ok=false response carrying its text.
type Handler func(ctx context.Context, req *message.RPCRequest) (any, error)

// AnyEvent is the On key matching events without a dedicated handler.
const AnyEvent = "*"

// ErrMsgShuttingDown is the error text sent for requests arriving during
// shutdown.
const ErrMsgShuttingDown = "server shutting down"

type connKey struct{}

// ConnFromContext returns the link a request arrived on, so a handler can
// push events back to its caller.
func ConnFromContext(ctx context.Context) (*transport.Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*transport.Conn)
	return c, ok
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTypeRegistry sets the registry used to encode and decode payloads on
// every accepted link.
func WithTypeRegistry(r *registry.Registry) Option {
	return func(s *Server) { s.types = r }
}

// WithDirectory makes Serve announce peer under service, and Shutdown
// withdraw it. An empty peer.Addr is replaced by the listener address.
func WithDirectory(dir discovery.Directory, service string, peer discovery.Peer, ttl time.Duration) Option {
	return func(s *Server) {
		s.dir, s.service, s.peer, s.ttl = dir, service, peer, ttl
	}
}

// WithConnOptions passes options to every accepted transport.Conn.
func WithConnOptions(opts ...transport.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server dispatches incoming requests by etype to registered handlers.
type Server struct {
	mu          sync.RWMutex
	handlers    map[string]Handler                // "echo" → handler, "Arith.Add" → reflected method
	events      map[string]transport.EventHandler // Non-RPC envelopes by etype
	middlewares []middleware.Middleware           // Registered middlewares (applied in order)
	chainOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	listeners []net.Listener
	conns     map[*transport.Conn]struct{}
	wg        sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown  atomic.Bool    // Set during shutdown to suppress Accept errors

	types    *registry.Registry
	connOpts []transport.Option
	upgrader websocket.Upgrader

	dir       discovery.Directory // nil if not using discovery
	service   string
	peer      discovery.Peer
	ttl       time.Duration
	announced bool

	log *zap.Logger
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		events:   make(map[string]transport.EventHandler),
		conns:    make(map[*transport.Conn]struct{}),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		ttl:      10 * time.Second,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must all be registered before the first request arrives.
func (s *Server) Use(mw ...middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw...)
}

// Handle exposes h under method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// On routes non-RPC envelopes with the given etype to h. AnyEvent catches
// the rest. Event handlers run in arrival order on the link's receive
// goroutine.
func (s *Server) On(etype string, h transport.EventHandler) {
	s.mu.Lock()
	s.events[etype] = h
	s.mu.Unlock()
}

// Register exposes the suitable methods of rcvr (e.g. &Arith{}) as
// "Arith.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	for name, mt := range svc.method {
		s.Handle(svc.name+"."+name, func(ctx context.Context, req *message.RPCRequest) (any, error) {
			return svc.Call(ctx, mt, req)
		})
	}
	return nil
}

// Methods lists the registered method names in order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts framed TCP links on ln until Shutdown. The server is
// announced to the directory, if one was configured, before the first
// Accept.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	if err := s.announce(ln.Addr().String()); err != nil {
		ln.Close()
		return err
	}

	// Accept loop: one transport.Conn per connection
	for {
		nc, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(transport.NewConn(nc, s.connOptions()...))
	}
}

// ServeHTTP upgrades the request to a websocket link.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, ErrMsgShuttingDown, http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.track(transport.NewWebsocketConn(ws, s.connOptions()...))
}

// Broadcast sends v to every open link.
func (s *Server) Broadcast(ctx context.Context, v any) error {
	s.mu.RLock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	var errList []error
	for _, c := range conns {
		if err := c.Send(ctx, v); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", c.RemoteAddr(), err))
		}
	}
	return errors.Join(errList...)
}

// Conns returns the number of open links.
func (s *Server) Conns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown performs graceful shutdown:
//  1. Withdraw from discovery (clients stop routing to this server)
//  2. Set shutdown flag and close listeners (stop accepting new links)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining links
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.dir != nil && s.announced {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.dir.Deregister(ctx, s.service, s.peer.Addr); err != nil {
			s.log.Warn("deregister failed", zap.String("service", s.service), zap.Error(err))
		}
		cancel()
	}

	// The flag flips under the lock so no request slips into wg after Wait starts
	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := s.listeners
	s.mu.Unlock()
	for _, ln := range listeners {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*transport.Conn]struct{})
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
	return err
}

func (s *Server) announce(addr string) error {
	if s.dir == nil || s.announced {
		return nil
	}
	if s.peer.Addr == "" {
		s.peer.Addr = addr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.dir.Register(ctx, s.service, s.peer, s.ttl); err != nil {
		return fmt.Errorf("register %s at %s: %w", s.service, s.peer.Addr, err)
	}
	s.announced = true
	s.log.Info("service registered", zap.String("service", s.service), zap.String("addr", s.peer.Addr))
	return nil
}

func (s *Server) connOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithMirrorCodec(),
		transport.WithRegistry(s.types),
		transport.WithLogger(s.log),
	}
	opts = append(opts, s.connOpts...)
	// Last, so nobody can unhook the server from its links
	return append(opts, transport.WithHandler(s.onMessage))
}

func (s *Server) track(c *transport.Conn) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("link opened", zap.String("remote", c.RemoteAddr()))

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// onMessage runs on the link's receive goroutine.
func (s *Server) onMessage(c *transport.Conn, m *message.Message) {
	if !m.IsRequest() {
		s.handleEvent(c, m)
		return
	}

	req := m.AsRequest()
	s.mu.RLock()
	if s.shutdown.Load() {
		s.mu.RUnlock()
		if err := c.Send(context.Background(), message.Failure(req.RType, ErrMsgShuttingDown)); err != nil {
			s.log.Debug("reply failed", zap.String("rtype", req.RType), zap.Error(err))
		}
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	// Without `go`, a slow handler would block every later envelope on this link
	go s.handleRequest(c, req)
}

func (s *Server) handleEvent(c *transport.Conn, m *message.Message) {
	s.mu.RLock()
	h, ok := s.events[m.EType]
	if !ok {
		h, ok = s.events[AnyEvent]
	}
	s.mu.RUnlock()
	if !ok {
		s.log.Debug("unhandled event", zap.String("etype", m.EType))
		return
	}
	h(c, m)
}

// handleRequest processes a single RPC request: middleware → business logic → reply.
func (s *Server) handleRequest(c *transport.Conn, req *message.RPCRequest) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), connKey{}, c))
	defer cancel()
	go func() {
		// Nobody is left to read the answer once the link is gone
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	resp := s.chain()(ctx, req)
	if resp == nil {
		resp = message.Failure(req.RType, "handler returned no response")
	}
	resp.EType = req.RType

	err := c.Send(context.Background(), resp)
	if err != nil && !errors.Is(err, errs.ErrChannelClosed) {
		// The result could not be encoded; the caller still gets an answer
		s.log.Warn("unencodable result",
			zap.String("etype", req.EType),
			zap.String("rtype", req.RType),
			zap.Error(err))
		err = c.Send(context.Background(), message.Failure(req.RType, err.Error()))
	}
	if err != nil {
		s.log.Warn("reply failed",
			zap.String("etype", req.EType),
			zap.String("rtype", req.RType),
			zap.Error(err))
	}
}

// chain builds the middleware chain once, on the first request.
func (s *Server) chain() middleware.HandlerFunc {
	s.chainOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	})
	return s.handler
}

// businessHandler is the innermost HandlerFunc: it finds the handler by
// etype and turns its result into a response. Handler panics are answered
// as failures.
func (s *Server) businessHandler(ctx context.Context, req *message.RPCRequest) (resp *message.RPCResponse) {
	s.mu.RLock()
	h, ok := s.handlers[req.EType]
	s.mu.RUnlock()
	if !ok {
		return message.Failure(req.RType, "unknown method: "+req.EType)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", zap.String("etype", req.EType), zap.Any("panic", r), zap.Stack("stack"))
			resp = message.Failure(req.RType, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	data, err := h(ctx, req)
	return rpc.NewResponse(req.RType, data, err)
}
