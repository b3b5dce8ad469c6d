// Package rpc implements contract dispatch and typed contract proxies.
//
// Inbound pipeline:
//
//	RpcRequest message → Dispatcher.Handle (decode record)
//	  → handler chain (middleware) → Dispatcher.Serve
//	    → resolve contract → resolve overload by name + declared types
//	    → convert parameters → reflect.Call → RpcResponse (or Error) message
//
// Outbound, Bind fills a stub struct's func fields so that calling them packages
// an RpcRequest record and hands it to an InvokeFunc (normally the Coordinator).
package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpcerr"
)

// Request is an inbound RPC call: the envelope plus its decoded record.
type Request struct {
	Message *message.Message
	Call    *message.RpcRequest
	Codec   codec.Codec
}

// Fail builds the Error reply reporting err to the caller.
func (r *Request) Fail(err error) *message.Message {
	return ErrorReply(r.Message, err, r.Codec)
}

// HandlerFunc turns a request into the reply message (RpcResponse or Error).
type HandlerFunc func(ctx context.Context, req *Request) *message.Message

// Dispatcher resolves and invokes inbound RPC calls for one connection.
type Dispatcher struct {
	resolve Resolver
	codec   codec.Codec
	handler HandlerFunc
	logger  zerolog.Logger
}

type Option func(*Dispatcher)

// WithChain wraps the business handler, typically with middleware.Chain(...).
func WithChain(wrap func(HandlerFunc) HandlerFunc) Option {
	return func(d *Dispatcher) {
		if wrap != nil {
			d.handler = wrap(d.handler)
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func NewDispatcher(resolve Resolver, c codec.Codec, opts ...Option) *Dispatcher {
	if c == nil {
		c = codec.Default
	}
	d := &Dispatcher{
		resolve: resolve,
		codec:   c,
		logger:  log.Logger,
	}
	d.handler = d.Serve
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle decodes an RpcRequest message and runs it through the handler chain.
func (d *Dispatcher) Handle(ctx context.Context, m *message.Message) *message.Message {
	call, err := message.DecodeRpcRequest(m, d.codec)
	if err != nil {
		return ErrorReply(m, err, d.codec)
	}
	return d.handler(ctx, &Request{Message: m, Call: call, Codec: d.codec})
}

// Serve is the business handler at the end of the chain.
func (d *Dispatcher) Serve(ctx context.Context, req *Request) *message.Message {
	resp, err := d.invoke(ctx, req.Call)
	if err != nil {
		d.logger.Debug().Err(err).
			Str("contract", req.Call.Contract).
			Str("method", req.Call.Method).
			Msg("rpc call failed")
		return req.Fail(err)
	}
	reply, err := message.NewRpcResponse(req.Message.ID(), resp, d.codec)
	if err != nil {
		return req.Fail(err)
	}
	return reply
}

func (d *Dispatcher) invoke(ctx context.Context, call *message.RpcRequest) (resp *message.RpcResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithMessagef(e, "panic in %s.%s", call.Contract, call.Method)
			} else {
				err = errors.Errorf("%v", r)
			}
		}
	}()

	if d.resolve == nil {
		return nil, &rpcerr.ContractNotFoundError{Contract: call.Contract}
	}
	impl, err := d.resolve(call.Contract)
	if err != nil {
		return nil, err
	}
	rcvr := reflect.ValueOf(impl)
	mt := contractOf(rcvr).lookup(call.Method, call.Signature())
	if mt == nil {
		return nil, &rpcerr.MethodNotFoundError{
			Contract:  call.Contract,
			Method:    call.Method,
			Signature: call.Signature(),
		}
	}

	args := make([]reflect.Value, len(call.Parameters))
	for i, p := range call.Parameters {
		v, err := decodeValue(p.Value, mt.ArgTypes[i], d.codec)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %d of %s.%s", i, call.Contract, call.Method)
		}
		args[i] = v
	}

	result, err := mt.call(ctx, rcvr, args)
	if err != nil {
		return nil, err
	}
	if mt.ReplyType == nil {
		return &message.RpcResponse{Type: message.VoidType}, nil
	}
	value, err := encodeValue(result, mt.ReplyType, d.codec)
	if err != nil {
		return nil, errors.WithMessagef(err, "result of %s.%s", call.Contract, call.Method)
	}
	return &message.RpcResponse{Type: TypeName(mt.ReplyType), Value: value}, nil
}

// ErrorReply builds the Error message answering req. The reported text is the
// innermost cause of err.
func ErrorReply(req *message.Message, err error, c codec.Codec) *message.Message {
	if c == nil {
		c = codec.Default
	}
	info := message.ErrorInfo{
		Message: rpcerr.Innermost(err).Error(),
		Code:    rpcerr.CodeOf(err),
	}
	reply, encErr := message.NewError(req.ID(), info, c)
	if encErr != nil {
		reply = message.NewReply(message.TypeError, req.ID())
		reply.Payload = []byte(fmt.Sprintf(`{"message":%q}`, info.Message))
	}
	return reply
}
