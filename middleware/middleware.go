// Package middleware wraps RPC handlers in an onion of cross-cutting
// concerns: logging, timeouts, rate limiting, retries, metrics and tracing.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// The server runs every incoming request through a chain; the client runs
// every outgoing call through one too, with the send as the innermost
// handler.
package middleware

import (
	"context"

	"vrpc/message"
)

// HandlerFunc answers one request. It never returns nil: failures are
// expressed as a response with ok=false.
type HandlerFunc func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
