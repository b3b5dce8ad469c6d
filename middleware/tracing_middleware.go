package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wsrpc/message"
	"wsrpc/rpc"
)

const defaultTracerName = "wsrpc"

type TracingConfig struct {
	// TracerName is the name of the tracer (default: "wsrpc").
	TracerName string
	// Provider supplies the tracer (default: the global otel provider).
	Provider trace.TracerProvider
}

type TracingOption func(*TracingConfig)

func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

func WithTracerProvider(provider trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) {
		c.Provider = provider
	}
}

// TracingMiddleware starts a server span per inbound call, named
// "contract/method". The span context is passed on to the handler.
func TracingMiddleware(opts ...TracingOption) Middleware {
	config := TracingConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	provider := config.Provider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	tracer := provider.Tracer(config.TracerName)

	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, req *rpc.Request) *message.Message {
			ctx, span := tracer.Start(ctx, req.Call.Contract+"/"+req.Call.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "wsrpc"),
					attribute.String("rpc.service", req.Call.Contract),
					attribute.String("rpc.method", req.Call.Method),
					attribute.String("wsrpc.msg_id", req.Message.ID()),
				),
			)
			defer span.End()

			reply := next(ctx, req)
			if reply != nil && reply.Type == message.TypeError {
				desc := "rpc error"
				if info, err := message.DecodeError(reply, req.Codec); err == nil {
					desc = info.Message
				}
				span.SetStatus(codes.Error, desc)
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return reply
		}
	}
}
