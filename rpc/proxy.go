package rpc

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"

	"wsrpc/codec"
	"wsrpc/message"
)

// InvokeFunc delivers an RpcRequest to the peer and waits for its RpcResponse.
// A remote failure is returned as *rpcerr.RemoteOperationError.
type InvokeFunc func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error)

// Bind fills the func fields of the struct pointed to by stub so that each call
// is forwarded through invoke as an RpcRequest of contract. A stub looks like
//
//	type CalcClient struct {
//		Add  func(a, b int) (int, error)
//		Add3 func(ctx context.Context, a, b, c int) (int, error) `rpc:"Add,timeout=2s"`
//		Reset func() error
//	}
//
// Fields must return error last, and may take a leading context.Context. The tag
// renames the wire method (overloads share a name) and sets a per-call timeout;
// `rpc:"-"` skips the field. Embedded structs are bound recursively, under their
// own RPCContract() name when they implement ContractNamer.
//
// An empty contract uses stub's RPCContract().
func Bind(stub any, contract string, invoke InvokeFunc, c codec.Codec) error {
	rv := reflect.ValueOf(stub)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return errors.Errorf("rpc: Bind needs a non-nil struct pointer, got %T", stub)
	}
	if invoke == nil {
		return errors.New("rpc: Bind needs an invoke func")
	}
	if c == nil {
		c = codec.Default
	}
	if contract == "" {
		if namer, ok := stub.(ContractNamer); ok {
			contract = namer.RPCContract()
		}
	}
	if contract == "" {
		return errors.Errorf("rpc: no contract name for %T", stub)
	}
	return bindStruct(rv.Elem(), contract, invoke, c)
}

func bindStruct(sv reflect.Value, contract string, invoke InvokeFunc, c codec.Codec) error {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			inner := contract
			if namer, ok := fv.Addr().Interface().(ContractNamer); ok {
				inner = namer.RPCContract()
			}
			if err := bindStruct(fv, inner, invoke, c); err != nil {
				return err
			}
			continue
		}
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}

		tag, hasTag := field.Tag.Lookup("rpc")
		if tag == "-" {
			continue
		}
		name, timeout, err := parseTag(field.Name, tag, hasTag)
		if err != nil {
			return errors.WithMessagef(err, "field %s.%s", st.Name(), field.Name)
		}
		fn, err := makeStub(field.Type, contract, name, timeout, invoke, c)
		if err != nil {
			return errors.WithMessagef(err, "field %s.%s", st.Name(), field.Name)
		}
		fv.Set(fn)
	}
	return nil
}

func parseTag(fieldName, tag string, hasTag bool) (string, time.Duration, error) {
	name := fieldName
	if !hasTag {
		return name, 0, nil
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	var timeout time.Duration
	for _, opt := range parts[1:] {
		key, value, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch key {
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return "", 0, errors.Wrapf(err, "bad timeout %q", value)
			}
			timeout = d
		default:
			return "", 0, errors.Errorf("unknown rpc tag option %q", key)
		}
	}
	return name, timeout, nil
}

// makeStub builds the func value for one proxied method.
func makeStub(ft reflect.Type, contract, method string, timeout time.Duration,
	invoke InvokeFunc, c codec.Codec) (reflect.Value, error) {
	if ft.IsVariadic() {
		return reflect.Value{}, errors.New("variadic methods cannot be proxied")
	}
	if ft.NumOut() == 0 || ft.Out(ft.NumOut()-1) != errorType || ft.NumOut() > 2 {
		return reflect.Value{}, errors.New("proxied methods return ([R,] error)")
	}
	var replyType reflect.Type
	if ft.NumOut() == 2 {
		replyType = ft.Out(0)
	}
	hasCtx := ft.NumIn() > 0 && ft.In(0) == contextType

	argTypes := make([]reflect.Type, 0, ft.NumIn())
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && hasCtx {
			continue
		}
		argTypes = append(argTypes, ft.In(i))
	}

	fail := func(err error) []reflect.Value {
		out := make([]reflect.Value, 0, 2)
		if replyType != nil {
			out = append(out, reflect.Zero(replyType))
		}
		return append(out, reflect.ValueOf(&err).Elem())
	}

	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if hasCtx {
			if v, ok := in[0].Interface().(context.Context); ok && v != nil {
				ctx = v
			}
			in = in[1:]
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req := &message.RpcRequest{
			Contract:   contract,
			Method:     method,
			Parameters: make([]message.Parameter, len(in)),
		}
		for i, arg := range in {
			value, err := encodeValue(arg, argTypes[i], c)
			if err != nil {
				return fail(errors.WithMessagef(err, "parameter %d of %s.%s", i, contract, method))
			}
			req.Parameters[i] = message.Parameter{Type: TypeName(argTypes[i]), Value: value}
		}

		resp, err := invoke(ctx, req)
		if err != nil {
			return fail(err)
		}
		if replyType == nil {
			return []reflect.Value{reflect.Zero(errorType)}
		}
		reply := reflect.Zero(replyType)
		if resp != nil && !resp.IsVoid() {
			reply, err = decodeValue(resp.Value, replyType, c)
			if err != nil {
				return fail(errors.WithMessagef(err, "result of %s.%s", contract, method))
			}
		}
		return []reflect.Value{reply, reflect.Zero(errorType)}
	}), nil
}
