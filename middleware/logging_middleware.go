package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vrpc/message"
)

// LoggingMiddleware logs every request with its duration. Failures log at
// warn level with the error text; payloads are never logged.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("etype", req.EType),
				zap.String("rtype", req.RType),
				zap.Duration("duration", time.Since(start)),
			}
			if !resp.Succeeded() {
				log.Warn("rpc failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			log.Info("rpc", fields...)
			return resp
		}
	}
}
