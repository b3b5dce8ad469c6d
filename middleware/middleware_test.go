package middleware

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpc"
	"wsrpc/rpcerr"
)

func newRequest() *rpc.Request {
	call := &message.RpcRequest{Contract: "calc", Method: "Add"}
	m, _ := message.NewRpcRequest(call, codec.Default)
	return &rpc.Request{Message: m, Call: call, Codec: codec.Default}
}

// echoHandler answers with a void response.
func echoHandler(ctx context.Context, req *rpc.Request) *message.Message {
	reply, _ := message.NewRpcResponse(req.Message.ID(), &message.RpcResponse{Type: message.VoidType}, req.Codec)
	return reply
}

func slowHandler(ctx context.Context, req *rpc.Request) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *rpc.Request) *message.Message {
	return req.Fail(rpcerr.ErrMethodNotFound)
}

func errorText(t *testing.T, reply *message.Message) string {
	t.Helper()
	require.Equal(t, message.TypeError, reply.Type)
	info, err := message.DecodeError(reply, codec.Default)
	require.NoError(t, err)
	return info.Message
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zerolog.Nop())(echoHandler)
	req := newRequest()

	reply := handler(context.Background(), req)
	require.NotNil(t, reply)
	assert.Equal(t, message.TypeRpcResponse, reply.Type)
	assert.Equal(t, req.Message.ID(), reply.ReplyID)

	reply = LoggingMiddleware(zerolog.Nop())(failingHandler)(context.Background(), req)
	assert.Equal(t, message.TypeError, reply.Type)
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)
	reply := handler(context.Background(), newRequest())
	assert.Equal(t, message.TypeRpcResponse, reply.Type)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)
	req := newRequest()

	reply := handler(context.Background(), req)
	assert.Equal(t, rpcerr.ErrTimeout.Error(), errorText(t, reply))
	assert.Equal(t, req.Message.ID(), reply.ReplyID)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		reply := handler(context.Background(), newRequest())
		assert.Equal(t, message.TypeRpcResponse, reply.Type, "request %d", i)
	}
	reply := handler(context.Background(), newRequest())
	assert.Equal(t, "rate limit exceeded", errorText(t, reply))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next rpc.HandlerFunc) rpc.HandlerFunc {
			return func(ctx context.Context, req *rpc.Request) *message.Message {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("outer"), LoggingMiddleware(zerolog.Nop()), mark("inner"),
		TimeoutMiddleware(500*time.Millisecond))
	reply := chained(echoHandler)(context.Background(), newRequest())
	assert.Equal(t, message.TypeRpcResponse, reply.Type)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("test"))

	m.Middleware()(echoHandler)(context.Background(), newRequest())
	m.Middleware()(echoHandler)(context.Background(), newRequest())
	m.Middleware()(failingHandler)(context.Background(), newRequest())

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != "test_rpc_calls_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "status" {
					counts[label.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"ok": 2, "error": 1}, counts)
}

func TestTracing(t *testing.T) {
	var sawSpan bool
	handler := TracingMiddleware(WithTracerProvider(noop.NewTracerProvider()))(
		func(ctx context.Context, req *rpc.Request) *message.Message {
			sawSpan = trace.SpanFromContext(ctx) != nil
			return failingHandler(ctx, req)
		})

	reply := handler(context.Background(), newRequest())
	assert.True(t, sawSpan)
	assert.Equal(t, message.TypeError, reply.Type)
}

func TestRetryInvoke(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, rpcerr.ErrNotConnected
		}
		return &message.RpcResponse{Type: message.VoidType}, nil
	}

	resp, err := RetryInvoke(3, time.Millisecond, zerolog.Nop())(flaky)(context.Background(), &message.RpcRequest{})
	require.NoError(t, err)
	assert.True(t, resp.IsVoid())
	assert.Equal(t, 3, attempts)

	attempts = 0
	remote := func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		attempts++
		return nil, &rpcerr.RemoteOperationError{Message: "no"}
	}
	_, err = RetryInvoke(3, time.Millisecond, zerolog.Nop())(remote)(context.Background(), &message.RpcRequest{})
	assert.ErrorIs(t, err, rpcerr.ErrRemoteOperation)
	assert.Equal(t, 1, attempts)
}

func TestRetryInvokeNilContext(t *testing.T) {
	attempts := 0
	down := func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		attempts++
		if ctx == nil {
			return nil, errors.New("nil context")
		}
		return nil, rpcerr.ErrNotConnected
	}

	var buf bytes.Buffer
	invoke := RetryInvoke(2, time.Millisecond, zerolog.New(&buf))(down)
	require.NotPanics(t, func() {
		_, err := invoke(nil, &message.RpcRequest{Contract: "calc", Method: "Add"})
		assert.ErrorIs(t, err, rpcerr.ErrNotConnected)
	})
	assert.Equal(t, 3, attempts)
	assert.Contains(t, buf.String(), "retrying rpc call")
}
