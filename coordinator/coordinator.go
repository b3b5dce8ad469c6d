// Package coordinator correlates requests with their replies over one connection
// and classifies every inbound message.
//
// Each request registers a single-shot slot keyed by its message id before it is
// sent. The read loop hands every inbound message to OnMessage, which routes
// replies to their slot and everything else to a handler goroutine:
//
//	caller-1 ──Coordinate(id=a)──┐
//	caller-2 ──Coordinate(id=b)──┼──→ send ──→ peer
//	                             │
//	read loop: ←── reply(reply-id=b) → OnMessage → pending[b] → caller-2 wakes up
//	           ←── RpcRequest        → OnMessage → go Dispatch → Reply
//
// A slot is resolved exactly once, by a reply, a timeout, a cancellation or
// CancelAll, and is removed from the registry on every path.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpc"
	"wsrpc/rpcerr"
)

// SendFunc writes one message to the peer.
type SendFunc func(m *message.Message) error

// Handlers receive the inbound messages that are not replies.
type Handlers struct {
	// Reply sends the answer to a message that required one.
	Reply SendFunc
	// Dispatch answers RpcRequest messages, normally rpc.Dispatcher.Handle.
	Dispatch func(ctx context.Context, m *message.Message) *message.Message
	// Unsolicited handles every other non-reply message.
	Unsolicited func(ctx context.Context, m *message.Message) error
	// OnError receives handler failures that could not be sent back to the peer.
	OnError func(err error)
}

type pendingCall struct {
	once sync.Once
	done chan struct{}
	resp *message.Message
	err  error
}

func (p *pendingCall) resolve(resp *message.Message, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// Coordinator is the correlation registry of one peer. It outlives individual
// connections: CancelAll runs when a connection closes.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	codec   codec.Codec
	logger  zerolog.Logger
	wg      sync.WaitGroup // In-flight handler goroutines
}

type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func New(c codec.Codec, opts ...Option) *Coordinator {
	if c == nil {
		c = codec.Default
	}
	co := &Coordinator{
		pending: make(map[string]*pendingCall),
		codec:   c,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Coordinate sends req and waits for its reply. The wait ends at the first of:
// a reply, timeout (if > 0) or ctx's deadline (ErrTimeout), ctx cancellation or
// CancelAll (ErrCancelled). An Error reply is returned as *RemoteOperationError.
func (c *Coordinator) Coordinate(ctx context.Context, send SendFunc, req *message.Message,
	timeout time.Duration) (*message.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req.RequireReply = true
	call := &pendingCall{done: make(chan struct{})}

	// Register before sending so a fast reply always finds its slot
	c.mu.Lock()
	c.pending[req.ID()] = call
	c.mu.Unlock()
	defer c.remove(req.ID())

	if err := send(req); err != nil {
		return nil, errors.WithMessagef(err, "send %s %s", req.Type, req.ID())
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			call.resolve(nil, errors.WithMessagef(rpcerr.ErrTimeout, "%s %s", req.Type, req.ID()))
		} else {
			call.resolve(nil, errors.WithMessagef(rpcerr.ErrCancelled, "%s %s", req.Type, req.ID()))
		}
	}

	if call.err != nil {
		return nil, call.err
	}
	if call.resp.Type == message.TypeError {
		return nil, message.AsRemoteError(call.resp, c.codec)
	}
	return call.resp, nil
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// OnResponse resolves the slot m answers. It reports false for replies nobody is
// waiting for, including duplicates and late replies.
func (c *Coordinator) OnResponse(m *message.Message) bool {
	c.mu.Lock()
	call, ok := c.pending[m.ReplyID]
	if ok {
		delete(c.pending, m.ReplyID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.resolve(m, nil)
	return true
}

// CancelAll fails every pending call with ErrCancelled.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, rpcerr.ErrCancelled)
	}
}

// Pending returns the number of calls awaiting a reply.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until every handler goroutine started by OnMessage has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// OnMessage classifies one inbound message. It never blocks on handlers, so the
// read loop stays free to deliver the replies those handlers may be waiting for.
func (c *Coordinator) OnMessage(ctx context.Context, m *message.Message, h Handlers) {
	switch {
	case m.IsReply():
		if !c.OnResponse(m) {
			c.logger.Debug().Str("reply_id", m.ReplyID).Str("type", m.Type).Msg("dropping unmatched reply")
		}
	case m.Type == message.TypeRpcRequest && h.Dispatch != nil:
		c.spawn(func() { c.dispatch(ctx, m, h) })
	default:
		c.spawn(func() { c.unsolicited(ctx, m, h) })
	}
}

func (c *Coordinator) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Coordinator) dispatch(ctx context.Context, m *message.Message, h Handlers) {
	var reply *message.Message
	err := protect(func() error {
		reply = h.Dispatch(ctx, m)
		return nil
	})
	if err != nil {
		reply = rpc.ErrorReply(m, err, c.codec)
	}
	if reply == nil {
		return
	}

	if m.RequireReply {
		c.reply(m, reply, h)
		return
	}
	// One-way call: only failures are surfaced
	if reply.Type == message.TypeError {
		c.report(h, message.AsRemoteError(reply, c.codec))
	}
}

func (c *Coordinator) unsolicited(ctx context.Context, m *message.Message, h Handlers) {
	if h.Unsolicited == nil {
		c.logger.Debug().Str("msg_id", m.ID()).Str("type", m.Type).Msg("no handler for message")
		return
	}
	err := protect(func() error {
		return h.Unsolicited(ctx, m)
	})
	if err == nil {
		return
	}
	if m.RequireReply {
		c.reply(m, rpc.ErrorReply(m, err, c.codec), h)
		return
	}
	c.report(h, errors.WithMessagef(err, "handle %s %s", m.Type, m.ID()))
}

func (c *Coordinator) reply(m, reply *message.Message, h Handlers) {
	if h.Reply == nil {
		c.report(h, errors.Errorf("no reply sender for %s %s", m.Type, m.ID()))
		return
	}
	if err := h.Reply(reply); err != nil {
		c.report(h, errors.WithMessagef(err, "reply to %s", m.ID()))
	}
}

func (c *Coordinator) report(h Handlers, err error) {
	if h.OnError != nil {
		h.OnError(err)
		return
	}
	c.logger.Warn().Err(err).Msg("message handler failed")
}

// protect runs fn, turning a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithMessage(e, "handler panic")
			} else {
				err = errors.Errorf("%v", r)
			}
		}
	}()
	return fn()
}

// Invoker returns the rpc.InvokeFunc that sends RpcRequest records through send.
// Calls without their own deadline wait at most timeout.
func (c *Coordinator) Invoker(send SendFunc, timeout time.Duration) rpc.InvokeFunc {
	return func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
		m, err := message.NewRpcRequest(req, c.codec)
		if err != nil {
			return nil, err
		}
		t := timeout
		if ctx != nil {
			if _, ok := ctx.Deadline(); ok {
				t = 0
			}
		}
		reply, err := c.Coordinate(ctx, send, m, t)
		if err != nil {
			return nil, err
		}
		return message.DecodeRpcResponse(reply, c.codec)
	}
}
