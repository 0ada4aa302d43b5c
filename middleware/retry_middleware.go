package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"vrpc/errs"
	"vrpc/message"
)

// attemptKey holds the slot where the innermost client handler leaves the
// transport error of the latest attempt.
type attemptKey struct{}

type attempt struct{ err error }

// WithAttempt prepares ctx for SetAttemptError and AttemptError.
func WithAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, attemptKey{}, &attempt{})
}

// SetAttemptError records the typed error behind a failure response. A nil
// err marks the attempt as delivered.
func SetAttemptError(ctx context.Context, err error) {
	if a, ok := ctx.Value(attemptKey{}).(*attempt); ok {
		a.err = err
	}
}

// AttemptError returns the error recorded for the latest attempt.
func AttemptError(ctx context.Context) error {
	if a, ok := ctx.Value(attemptKey{}).(*attempt); ok {
		return a.err
	}
	return nil
}

// retryable reports whether the failure was the link's fault rather than
// the handler's: a timeout, a closed channel, or a refused connection.
func retryable(ctx context.Context, resp *message.RPCResponse) bool {
	if err := AttemptError(ctx); err != nil {
		switch errs.KindOf(err) {
		case errs.KindRPCTimeout, errs.KindChannelClosed:
			return true
		}
		return strings.Contains(err.Error(), "connection refused")
	}
	return strings.Contains(resp.Error, "timed out") || strings.Contains(resp.Error, "connection refused")
}

// RetryMiddleware re-runs calls that failed for transport reasons, with
// exponential backoff. Handler errors are returned immediately. It belongs
// on the client side, around the send.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Succeeded() || !retryable(ctx, resp) {
					return resp
				}
				log.Info("retrying rpc",
					zap.String("etype", req.EType),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp // Return last response after retries
		}
	}
}
