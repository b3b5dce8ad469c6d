package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"wsrpc/codec"
	"wsrpc/coordinator"
	"wsrpc/message"
	"wsrpc/protocol"
	"wsrpc/pubsub"
	"wsrpc/rpc"
	"wsrpc/rpcerr"
	"wsrpc/transport"
)

type sessionKey struct{}

// SessionFromContext returns the session a handler is running for. Contract
// implementations use it to reach their caller.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// Session is one connected client. It is created by the server for every
// accepted connection and lives until that connection closes.
type Session struct {
	id          string
	server      *Server
	conn        transport.Conn
	codec       codec.Codec
	logger      zerolog.Logger
	coordinator *coordinator.Coordinator
	dispatcher  *rpc.Dispatcher
	topics      *pubsub.Topics
	handlers    coordinator.Handlers

	ctx    context.Context // Cancelled when the connection closes
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}

	impls sync.Map // contract name → implementation, resolved once per session
}

func newSession(s *Server, conn transport.Conn) *Session {
	id := uuid.NewString()
	logger := s.logger.With().Str("session", id).Logger()
	sess := &Session{
		id:     id,
		server: s,
		conn:   conn,
		codec:  s.codec,
		logger: logger,
		topics: pubsub.NewTopics(),
		done:   make(chan struct{}),
	}
	sess.ctx, sess.cancel = context.WithCancel(context.WithValue(context.Background(), sessionKey{}, sess))
	sess.coordinator = coordinator.New(s.codec, coordinator.WithLogger(logger))
	sess.dispatcher = rpc.NewDispatcher(sess.resolve, s.codec,
		rpc.WithChain(s.chain()),
		rpc.WithLogger(logger))
	sess.handlers = coordinator.Handlers{
		Reply:       sess.Send,
		Dispatch:    sess.dispatcher.Handle,
		Unsolicited: sess.unsolicited,
		OnError:     sess.reportError,
	}
	return sess
}

func (s *Session) ID() string { return s.id }

func (s *Session) Topics() *pubsub.Topics { return s.topics }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send writes m to the client.
func (s *Session) Send(m *message.Message) error {
	if s.closed.Load() {
		return rpcerr.ErrNotConnected
	}
	data, err := protocol.Encode(m, s.codec)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(data); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return errors.WithMessage(rpcerr.ErrNotConnected, err.Error())
		}
		return errors.WithMessagef(err, "session %s", s.id)
	}
	return nil
}

// Deliver sends a published message. It makes the session a pubsub.Subscriber.
func (s *Session) Deliver(m *message.Message) error {
	return s.Send(m)
}

// Request sends m and waits for the client's reply, at most the server's
// request timeout unless ctx carries its own deadline.
func (s *Session) Request(ctx context.Context, m *message.Message) (*message.Message, error) {
	return s.coordinator.Coordinate(ctx, s.Send, m, s.requestTimeout(ctx))
}

func (s *Session) requestTimeout(ctx context.Context) time.Duration {
	if ctx != nil {
		if _, ok := ctx.Deadline(); ok {
			return 0
		}
	}
	return s.server.cfg.RequestTimeout
}

// Invoker returns the function that carries RPC calls to the client.
func (s *Session) Invoker() rpc.InvokeFunc {
	return s.coordinator.Invoker(s.Send, s.server.cfg.RequestTimeout)
}

// Bind fills stub with calls to a contract the client registered.
func (s *Session) Bind(stub any, contract string) error {
	return rpc.Bind(stub, contract, s.Invoker(), s.codec)
}

// Call invokes contract.method on the client and decodes the result into reply.
func (s *Session) Call(ctx context.Context, contract, method string, reply any, args ...any) error {
	return rpc.Call(ctx, s.Invoker(), s.codec, contract, method, reply, args...)
}

// Publish fans data out to every session subscribed to topic.
func (s *Session) Publish(topic string, data []byte) {
	s.server.broker.Publish(topic, data)
}

// Close closes the connection. Cleanup happens on the read loop.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) resolve(contract string) (any, error) {
	if impl, ok := s.impls.Load(contract); ok {
		return impl, nil
	}
	provider, ok := s.server.provider(contract)
	if !ok {
		return nil, &rpcerr.ContractNotFoundError{Contract: contract}
	}
	impl := provider(s)
	if impl == nil {
		return nil, &rpcerr.ContractNotFoundError{Contract: contract}
	}
	actual, _ := s.impls.LoadOrStore(contract, impl)
	return actual, nil
}

// run is the read loop. It owns the connection until it closes.
func (s *Session) run() {
	defer s.cleanup()
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		m, err := protocol.Decode(data, s.codec)
		if err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		s.coordinator.OnMessage(s.ctx, m, s.handlers)
	}
}

func (s *Session) cleanup() {
	s.closed.Store(true)
	s.cancel()
	_ = s.conn.Close()
	s.coordinator.CancelAll()
	s.server.detach(s)
	s.coordinator.Wait()
	close(s.done)
	if hook := s.server.hooks.OnDisconnect; hook != nil {
		hook(s)
	}
}

// unsolicited handles messages that are neither replies nor RPC requests.
func (s *Session) unsolicited(ctx context.Context, m *message.Message) error {
	if m.Type == message.TypePublish {
		s.server.broker.Publish(m.Topic(), m.Payload)
		if m.RequireReply {
			return s.Send(message.NewAck(m.ID()))
		}
		return nil
	}
	if hook := s.server.hooks.OnMessage; hook != nil {
		return hook(ctx, s, m)
	}
	return errors.Errorf("no handler for %s messages", m.Type)
}

func (s *Session) reportError(err error) {
	if hook := s.server.hooks.OnError; hook != nil {
		hook(s, err)
		return
	}
	s.logger.Warn().Err(err).Msg("message handler failed")
}
