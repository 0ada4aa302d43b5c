package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vrpc/message"
)

const defaultTracerName = "vrpc"

// TracingConfig configures the OpenTelemetry middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "vrpc").
	TracerName string

	// Provider supplies the tracer. Default: the global provider.
	Provider trace.TracerProvider

	// SpanKind is SpanKindServer for served requests and SpanKindClient
	// around outgoing calls.
	SpanKind trace.SpanKind

	tracer trace.Tracer
}

type TracingOption func(*TracingConfig)

func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

func WithTracerProvider(p trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) {
		c.Provider = p
	}
}

func WithSpanKind(kind trace.SpanKind) TracingOption {
	return func(c *TracingConfig) {
		c.SpanKind = kind
	}
}

// TracingMiddleware starts a span per request named after its etype. The
// span is in the handler's ctx; a failure response marks it as an error.
//
// The tracer uses the global OpenTelemetry tracer provider unless one is
// given. Configure it in main() before serving.
func TracingMiddleware(opts ...TracingOption) Middleware {
	config := TracingConfig{
		TracerName: defaultTracerName,
		SpanKind:   trace.SpanKindServer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Provider == nil {
		config.Provider = otel.GetTracerProvider()
	}
	config.tracer = config.Provider.Tracer(config.TracerName)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			ctx, span := config.tracer.Start(ctx,
				fmt.Sprintf("vrpc.%s", req.EType),
				trace.WithSpanKind(config.SpanKind),
				trace.WithAttributes(
					attribute.String("vrpc.etype", req.EType),
					attribute.String("vrpc.rtype", req.RType),
					attribute.Int("vrpc.args", len(req.Args)),
					attribute.Int("vrpc.kwargs", len(req.Kwargs)),
				),
				trace.WithTimestamp(time.Now()),
			)
			defer span.End()

			resp := next(ctx, req)
			if !resp.Succeeded() {
				span.SetStatus(codes.Error, resp.Error)
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp
		}
	}
}
