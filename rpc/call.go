package rpc

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"wsrpc/codec"
	"wsrpc/message"
)

// Call invokes contract.method with args and decodes the result into reply, a
// pointer (nil for void methods). Parameter types are taken from the dynamic
// types of args; pass a message.Parameter to declare a type explicitly.
func Call(ctx context.Context, invoke InvokeFunc, c codec.Codec,
	contract, method string, reply any, args ...any) error {
	if c == nil {
		c = codec.Default
	}
	req := &message.RpcRequest{
		Contract:   contract,
		Method:     method,
		Parameters: make([]message.Parameter, len(args)),
	}
	for i, arg := range args {
		if p, ok := arg.(message.Parameter); ok {
			req.Parameters[i] = p
			continue
		}
		if arg == nil {
			req.Parameters[i] = message.Parameter{Type: "any"}
			continue
		}
		t := reflect.TypeOf(arg)
		value, err := encodeValue(reflect.ValueOf(arg), t, c)
		if err != nil {
			return errors.WithMessagef(err, "parameter %d of %s.%s", i, contract, method)
		}
		req.Parameters[i] = message.Parameter{Type: TypeName(t), Value: value}
	}

	resp, err := invoke(ctx, req)
	if err != nil {
		return err
	}
	if reply == nil || resp == nil || resp.IsVoid() {
		return nil
	}
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Errorf("rpc: reply must be a non-nil pointer, got %T", reply)
	}
	v, err := decodeValue(resp.Value, rv.Type().Elem(), c)
	if err != nil {
		return errors.WithMessagef(err, "result of %s.%s", contract, method)
	}
	rv.Elem().Set(v)
	return nil
}
