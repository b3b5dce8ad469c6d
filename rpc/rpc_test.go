package rpc

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpcerr"
)

type Point struct {
	X, Y int
}

type Calc struct {
	resets atomic.Int32
}

func (c *Calc) RPCMethodNames() map[string]string {
	return map[string]string{"Add3": "Add"}
}

func (c *Calc) Add(a, b int) int {
	return a + b
}

func (c *Calc) Add3(a, b, d int) int {
	return a + b + d
}

func (c *Calc) Concat(ctx context.Context, a, b string) (string, error) {
	if ctx == nil {
		return "", errors.New("no context")
	}
	return a + b, nil
}

func (c *Calc) Move(p Point, dx int) *Point {
	return &Point{X: p.X + dx, Y: p.Y}
}

func (c *Calc) Fail(msg string) error {
	return errors.Wrap(errors.New(msg), "calc failed")
}

func (c *Calc) Panic() {
	panic("boom")
}

func (c *Calc) Reset() {
	c.resets.Add(1)
}

type CalcClient struct {
	Add     func(a, b int) (int, error)
	Add3    func(ctx context.Context, a, b, c int) (int, error) `rpc:"Add"`
	Concat  func(ctx context.Context, a, b string) (string, error)
	Move    func(p Point, dx int) (*Point, error)
	Fail    func(msg string) error
	Panic   func() error
	Reset   func() error
	Missing func() error
	Skipped func() `rpc:"-"`
}

// loopback invokes d directly, going through the same message encoding a
// connection would.
func loopback(d *Dispatcher) InvokeFunc {
	return func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		m, err := message.NewRpcRequest(req, codec.Default)
		if err != nil {
			return nil, err
		}
		reply := d.Handle(ctx, m)
		if reply.ReplyID != m.ID() {
			return nil, errors.New("reply does not answer request")
		}
		if reply.Type == message.TypeError {
			return nil, message.AsRemoteError(reply, codec.Default)
		}
		return message.DecodeRpcResponse(reply, codec.Default)
	}
}

func newCalc(t *testing.T) (*Calc, *CalcClient) {
	t.Helper()
	calc := &Calc{}
	reg := NewRegistry()
	reg.RegisterInstance("calc", calc)

	var client CalcClient
	require.NoError(t, Bind(&client, "calc", loopback(NewDispatcher(reg.Resolve, nil)), nil))
	return calc, &client
}

func TestProxyCallsResolveOverloads(t *testing.T) {
	_, client := newCalc(t)

	sum, err := client.Add(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	sum, err = client.Add3(context.Background(), 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, sum)
}

func TestProxyPassesContextAndStructs(t *testing.T) {
	calc, client := newCalc(t)

	s, err := client.Concat(context.Background(), "ws", "rpc")
	require.NoError(t, err)
	assert.Equal(t, "wsrpc", s)

	p, err := client.Move(Point{X: 1, Y: 7}, 4)
	require.NoError(t, err)
	assert.Equal(t, &Point{X: 5, Y: 7}, p)

	require.NoError(t, client.Reset())
	require.NoError(t, client.Reset())
	assert.EqualValues(t, 2, calc.resets.Load())
	assert.Nil(t, client.Skipped)
}

func TestProxyReportsRemoteFailures(t *testing.T) {
	_, client := newCalc(t)

	err := client.Fail("disk full")
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrRemoteOperation)
	assert.Equal(t, "disk full", err.Error())

	err = client.Panic()
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrRemoteOperation)
	assert.Equal(t, "boom", err.Error())

	err = client.Missing()
	assert.ErrorIs(t, err, rpcerr.ErrMethodNotFound)
}

func TestDispatchUnknownContract(t *testing.T) {
	d := NewDispatcher(NewRegistry().Resolve, nil)
	var client CalcClient
	require.NoError(t, Bind(&client, "nope", loopback(d), nil))

	_, err := client.Add(1, 2)
	assert.ErrorIs(t, err, rpcerr.ErrContractNotFound)
	assert.Contains(t, err.Error(), "nope")
}

func TestDispatchWrongSignatureIsMethodNotFound(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterInstance("calc", &Calc{})
	invoke := loopback(NewDispatcher(reg.Resolve, nil))

	var out int
	err := Call(context.Background(), invoke, nil, "calc", "Add", &out, "2", "3")
	assert.ErrorIs(t, err, rpcerr.ErrMethodNotFound)

	err = Call(context.Background(), invoke, nil, "calc", "Add", &out, 1, 2, 3, 4)
	assert.ErrorIs(t, err, rpcerr.ErrMethodNotFound)
}

func TestDispatchMalformedRequest(t *testing.T) {
	d := NewDispatcher(NewRegistry().Resolve, nil)
	m := message.New(message.TypeRpcRequest)
	m.Payload = []byte("{not json")

	reply := d.Handle(context.Background(), m)
	require.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, m.ID(), reply.ReplyID)
}

func TestDispatcherChain(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterInstance("calc", &Calc{})

	var seen []string
	d := NewDispatcher(reg.Resolve, nil, WithChain(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Message {
			seen = append(seen, req.Call.Contract+"."+req.Call.Method)
			return next(ctx, req)
		}
	}))

	var sum int
	require.NoError(t, Call(context.Background(), loopback(d), nil, "calc", "Add", &sum, 4, 5))
	assert.Equal(t, 9, sum)
	assert.Equal(t, []string{"calc.Add"}, seen)
}

func TestCallDynamic(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterInstance("calc", &Calc{})
	invoke := loopback(NewDispatcher(reg.Resolve, nil))

	var p *Point
	require.NoError(t, Call(context.Background(), invoke, nil, "calc", "Move", &p, Point{X: 1}, 1))
	assert.Equal(t, &Point{X: 2}, p)

	require.NoError(t, Call(context.Background(), invoke, nil, "calc", "Reset", nil))

	var sum int
	explicit := message.Parameter{Type: "int", Value: 10}
	require.NoError(t, Call(context.Background(), invoke, nil, "calc", "Add", &sum, explicit, 1))
	assert.Equal(t, 11, sum)
}

func TestBindTagTimeout(t *testing.T) {
	var deadline time.Time
	invoke := func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		deadline, _ = ctx.Deadline()
		assert.Equal(t, "Add", req.Method)
		assert.Equal(t, []string{"int", "int"}, req.Signature())
		return &message.RpcResponse{Type: "int", Value: 3}, nil
	}

	var stub struct {
		Sum func(a, b int) (int, error) `rpc:"Add,timeout=50ms"`
	}
	require.NoError(t, Bind(&stub, "calc", invoke, nil))

	start := time.Now()
	sum, err := stub.Sum(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
	assert.WithinDuration(t, start.Add(50*time.Millisecond), deadline, 40*time.Millisecond)
}

type AuditClient struct {
	Record func(entry string) error
}

func (*AuditClient) RPCContract() string { return "audit" }

type compositeClient struct {
	AuditClient
	Add func(a, b int) (int, error)
}

func TestBindEmbeddedContract(t *testing.T) {
	var calls []string
	invoke := func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		calls = append(calls, req.Contract+"."+req.Method)
		if req.Method == "Add" {
			return &message.RpcResponse{Type: "int", Value: 0}, nil
		}
		return &message.RpcResponse{Type: message.VoidType}, nil
	}

	var c compositeClient
	require.NoError(t, Bind(&c, "calc", invoke, nil))
	require.NoError(t, c.Record("login"))
	_, err := c.Add(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit.Record", "calc.Add"}, calls)
}

func TestBindRejectsBadStubs(t *testing.T) {
	invoke := func(context.Context, *message.RpcRequest) (*message.RpcResponse, error) { return nil, nil }

	var notPtr CalcClient
	assert.Error(t, Bind(notPtr, "calc", invoke, nil))

	var noErr struct {
		Add func(a, b int) int
	}
	err := Bind(&noErr, "calc", invoke, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Add"))

	var badTag struct {
		Add func() error `rpc:"Add,retries=3"`
	}
	assert.Error(t, Bind(&badTag, "calc", invoke, nil))

	var unnamed CalcClient
	assert.Error(t, Bind(&unnamed, "", invoke, nil))
}

func TestRegistryGeneric(t *testing.T) {
	type Adder interface {
		Add(a, b int) int
	}
	reg := NewRegistry()
	Register[Adder](reg, func() Adder { return &Calc{} })

	name := ContractName[Adder]()
	assert.Equal(t, []string{name}, reg.Contracts())
	impl, err := reg.Resolve(name)
	require.NoError(t, err)
	assert.IsType(t, &Calc{}, impl)
}
