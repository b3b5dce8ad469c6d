package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/pkg/errors"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpcerr"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
)

// TypeName returns the language-neutral identifier both peers use to describe a
// parameter or return type. Primitive kinds use a fixed enumeration, named types
// use their qualified name, composites are spelled structurally. Pointers are
// named after their element so *T and T are interchangeable on the wire.
func TypeName(t reflect.Type) string {
	if t == nil {
		return message.VoidType
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	switch {
	case t == bytesType:
		return "bytes"
	case isValueKind(t.Kind()):
		return t.Kind().String()
	}
	switch t.Kind() {
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return "any"
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 && t.Elem().PkgPath() == "" {
			return "bytes"
		}
		return "[]" + TypeName(t.Elem())
	case reflect.Array:
		return fmt.Sprintf("[%d]%s", t.Len(), TypeName(t.Elem()))
	case reflect.Map:
		return "map[" + TypeName(t.Key()) + "]" + TypeName(t.Elem())
	}
	return t.String()
}

// IsValueType reports whether values of t travel raw instead of as serializer text.
func IsValueType(t reflect.Type) bool {
	return isValueKind(t.Kind())
}

// isValuePointer reports whether t is a chain of pointers ending in a value kind.
func isValuePointer(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return isValueKind(t.Kind())
}

func isValueKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	}
	return false
}

// encodeValue turns v (declared as t) into its wire form. A pointer to a
// primitive travels like the primitive, nil as null.
func encodeValue(v reflect.Value, t reflect.Type, c codec.Codec) (any, error) {
	if IsValueType(t) {
		return v.Interface(), nil
	}
	if isValuePointer(t) {
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(v.Elem(), t.Elem(), c)
	}
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface ||
		v.Kind() == reflect.Slice || v.Kind() == reflect.Map) && v.IsNil() {
		return nil, nil
	}
	data, err := c.Encode(v.Interface())
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// decodeValue converts a wire value into a value of type t.
func decodeValue(raw any, t reflect.Type, c codec.Codec) (reflect.Value, error) {
	if IsValueType(t) {
		return convertValue(raw, t)
	}
	if isValuePointer(t) {
		if raw == nil {
			return reflect.Zero(t), nil
		}
		v, err := decodeValue(raw, t.Elem(), c)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(v)
		return ptr, nil
	}
	if raw == nil {
		return reflect.Zero(t), nil
	}
	text, ok := raw.(string)
	if !ok {
		return reflect.Value{}, rpcerr.Serializationf("expected serialized %s, got %T", TypeName(t), raw)
	}

	target := t
	if t.Kind() == reflect.Pointer {
		target = t.Elem()
	}
	ptr := reflect.New(target)
	if err := c.Decode([]byte(text), ptr.Interface()); err != nil {
		return reflect.Value{}, errors.WithMessagef(err, "decode %s", TypeName(t))
	}
	if t.Kind() == reflect.Pointer {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

// convertValue converts a raw primitive into t. Numbers may arrive as json.Number,
// float64 or any Go numeric type depending on the codec.
func convertValue(raw any, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	if raw == nil {
		return out, nil
	}
	fail := func(cause error) (reflect.Value, error) {
		if cause != nil {
			return reflect.Value{}, rpcerr.Serializationf("convert %v (%T) to %s: %v", raw, raw, TypeName(t), cause)
		}
		return reflect.Value{}, rpcerr.Serializationf("convert %v (%T) to %s", raw, raw, TypeName(t))
	}

	if n, ok := raw.(json.Number); ok {
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(n.String(), 10, 64)
			if err != nil || out.OverflowInt(i) {
				return fail(err)
			}
			out.SetInt(i)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u, err := strconv.ParseUint(n.String(), 10, 64)
			if err != nil || out.OverflowUint(u) {
				return fail(err)
			}
			out.SetUint(u)
		case reflect.Float32, reflect.Float64:
			f, err := n.Float64()
			if err != nil || out.OverflowFloat(f) {
				return fail(err)
			}
			out.SetFloat(f)
		default:
			return fail(nil)
		}
		return out, nil
	}

	rv := reflect.ValueOf(raw)
	switch t.Kind() {
	case reflect.Bool:
		if rv.Kind() != reflect.Bool {
			return fail(nil)
		}
		out.SetBool(rv.Bool())
	case reflect.String:
		if rv.Kind() != reflect.String {
			return fail(nil)
		}
		out.SetString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := asInt(rv)
		if !ok || out.OverflowInt(i) {
			return fail(nil)
		}
		out.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, ok := asInt(rv)
		if !ok || i < 0 || out.OverflowUint(uint64(i)) {
			if rv.CanUint() {
				u := rv.Uint()
				if !out.OverflowUint(u) {
					out.SetUint(u)
					return out, nil
				}
			}
			return fail(nil)
		}
		out.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		var f float64
		switch {
		case rv.CanFloat():
			f = rv.Float()
		case rv.CanInt():
			f = float64(rv.Int())
		case rv.CanUint():
			f = float64(rv.Uint())
		default:
			return fail(nil)
		}
		if out.OverflowFloat(f) {
			return fail(nil)
		}
		out.SetFloat(f)
	default:
		return fail(nil)
	}
	return out, nil
}

// asInt reads an integral value out of any numeric kind. Floats must be whole.
func asInt(rv reflect.Value) (int64, bool) {
	switch {
	case rv.CanInt():
		return rv.Int(), true
	case rv.CanUint():
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}
