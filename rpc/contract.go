package rpc

import (
	"context"
	"reflect"
	"strings"
	"sync"
)

// MethodNamer lets a contract implementation publish several Go methods under one
// wire name. Go has no overloading, so Add(int, int) and Add(int, int, int) are
// written as two methods and mapped onto "Add":
//
//	func (*Calc) RPCMethodNames() map[string]string {
//		return map[string]string{"Add3": "Add"}
//	}
type MethodNamer interface {
	RPCMethodNames() map[string]string
}

// ContractNamer names the contract a stub struct binds to.
type ContractNamer interface {
	RPCContract() string
}

type methodType struct {
	name      string // Wire name
	method    reflect.Method
	hasCtx    bool
	ArgTypes  []reflect.Type
	ArgNames  []string // Wire type identifiers of ArgTypes
	ReplyType reflect.Type
	hasErr    bool
}

type contract struct {
	typ    reflect.Type
	method map[string][]*methodType
}

var contracts sync.Map // reflect.Type -> *contract

// contractOf returns the method table of rcvr's type, building it on first use.
func contractOf(rcvr reflect.Value) *contract {
	if c, ok := contracts.Load(rcvr.Type()); ok {
		return c.(*contract)
	}
	c := newContract(rcvr)
	actual, _ := contracts.LoadOrStore(rcvr.Type(), c)
	return actual.(*contract)
}

func newContract(rcvr reflect.Value) *contract {
	typ := rcvr.Type()
	c := &contract{
		typ:    typ,
		method: make(map[string][]*methodType),
	}

	var aliases map[string]string
	if namer, ok := rcvr.Interface().(MethodNamer); ok {
		aliases = namer.RPCMethodNames()
	}

	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		switch method.Name {
		case "RPCMethodNames", "RPCContract":
			continue
		}
		mt, ok := newMethodType(method)
		if !ok {
			continue
		}
		mt.name = method.Name
		if alias, ok := aliases[method.Name]; ok {
			mt.name = alias
		}
		c.method[mt.name] = append(c.method[mt.name], mt)
	}
	return c
}

// newMethodType accepts methods shaped like
//
//	func (rcvr) M([ctx context.Context,] args...) ([R,] [error])
func newMethodType(method reflect.Method) (*methodType, bool) {
	mtype := method.Type
	mt := &methodType{method: method}

	in := 1 // Skip the receiver
	if mtype.NumIn() > in && mtype.In(in) == contextType {
		mt.hasCtx = true
		in++
	}
	for ; in < mtype.NumIn(); in++ {
		if mtype.IsVariadic() && in == mtype.NumIn()-1 {
			return nil, false
		}
		mt.ArgTypes = append(mt.ArgTypes, mtype.In(in))
		mt.ArgNames = append(mt.ArgNames, TypeName(mtype.In(in)))
	}

	switch mtype.NumOut() {
	case 0:
	case 1:
		if mtype.Out(0) == errorType {
			mt.hasErr = true
		} else {
			mt.ReplyType = mtype.Out(0)
		}
	case 2:
		if mtype.Out(1) != errorType || mtype.Out(0) == errorType {
			return nil, false
		}
		mt.ReplyType = mtype.Out(0)
		mt.hasErr = true
	default:
		return nil, false
	}
	return mt, true
}

// lookup resolves an overload by wire name and declared parameter types.
func (c *contract) lookup(name string, signature []string) *methodType {
	for _, mt := range c.method[name] {
		if sameSignature(mt.ArgNames, signature) {
			return mt
		}
	}
	return nil
}

// Methods returns the wire method signatures of the contract, e.g. "Add(int, int)".
func (c *contract) Methods() []string {
	var out []string
	for name, overloads := range c.method {
		for _, mt := range overloads {
			out = append(out, name+"("+strings.Join(mt.ArgNames, ", ")+")")
		}
	}
	return out
}

func sameSignature(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// call invokes the method on rcvr. The returned value is invalid for void methods.
func (mt *methodType) call(ctx context.Context, rcvr reflect.Value, args []reflect.Value) (reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, rcvr)
	if mt.hasCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	in = append(in, args...)

	results := mt.method.Func.Call(in)
	if mt.hasErr {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return reflect.Value{}, errv.Interface().(error)
		}
	}
	if mt.ReplyType == nil {
		return reflect.Value{}, nil
	}
	return results[0], nil
}
