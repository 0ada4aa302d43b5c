package middleware

import (
	"context"
	"time"

	"vrpc/message"
)

// ErrMsgTimeout is the error text of a response cut off by TimeOutMiddleware.
const ErrMsgTimeout = "request timed out"

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure(req.RType, ErrMsgTimeout)
			}
		}
	}
}
