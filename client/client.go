// Package client implements the connecting side of a wsrpc connection and its
// lifecycle.
//
//	Connect ──→ Connecting ──→ Open ──(conn lost)──→ Disconnected
//	               ↑                                      │
//	               └──── reconnect loop (backoff) ←───────┘
//
// While Open, a keepalive loop pings the server. When the connection is lost
// every pending call fails with rpcerr.ErrCancelled and, unless auto-reconnect is
// off or PrepareForDisposal was called, the reconnect loop retries with
// exponential backoff. One Coordinator serves all connections of the client.
//
// The server can call contracts the client registers, over the same connection.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"wsrpc/codec"
	"wsrpc/config"
	"wsrpc/coordinator"
	"wsrpc/loadbalance"
	"wsrpc/logging"
	"wsrpc/message"
	"wsrpc/middleware"
	"wsrpc/protocol"
	"wsrpc/pubsub"
	"wsrpc/registry"
	"wsrpc/rpc"
	"wsrpc/rpcerr"
	"wsrpc/transport"
)

// Hooks observe the connection lifecycle. All of them are optional and must
// not call Close.
type Hooks struct {
	OnOpen  func()
	OnClose func(err error)
	// OnReconnecting fires before every reconnect attempt, counting from 1.
	OnReconnecting func(attempt int)
	// OnMessage handles Text and other unsolicited messages from the server.
	OnMessage func(ctx context.Context, m *message.Message) error
	OnPublish func(topic string, data []byte)
	// OnError receives handler failures that could not be reported to the server.
	OnError func(err error)
}

type Client struct {
	cfg      config.Client
	id       string
	codec    codec.Codec
	logger   zerolog.Logger
	dialer   transport.Dialer
	registry registry.Registry
	balancer loadbalance.Balancer
	hooks    Hooks

	coordinator *coordinator.Coordinator
	contracts   *rpc.Registry
	dispatcher  *rpc.Dispatcher
	handlers    coordinator.Handlers
	invoke      rpc.InvokeFunc

	pubsubOnce sync.Once
	pubsub     *pubsub.Client

	connectMu sync.Mutex // Serializes connect attempts
	mu        sync.Mutex // Guards conn, readDone and state
	conn      transport.Conn
	readDone  chan struct{}
	state     State

	lifecycleMu sync.Mutex // Guards disposed against scheduleReconnect
	disposed    bool
	reconnect   worker
	keepalive   worker
}

type Option func(*Client)

func WithCodec(c codec.Codec) Option {
	return func(cl *Client) {
		cl.codec = c
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithDialer replaces the websocket dialer, e.g. with an in-memory transport.
func WithDialer(d transport.Dialer) Option {
	return func(cl *Client) {
		cl.dialer = d
	}
}

// WithRegistry resolves cfg.Service through reg instead of an etcd registry
// built from the configuration.
func WithRegistry(reg registry.Registry) Option {
	return func(cl *Client) {
		cl.registry = reg
	}
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(cl *Client) {
		cl.balancer = b
	}
}

func WithHooks(h Hooks) Option {
	return func(cl *Client) {
		cl.hooks = h
	}
}

// NewClient creates a disconnected client. Call Connect to open the connection.
func NewClient(cfg config.Client, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:       cfg,
		id:        uuid.NewString(),
		contracts: rpc.NewRegistry(),
	}
	logCfg := cfg.Log
	if logCfg.Component == "" {
		logCfg.Component = "client"
	}
	c.logger = logging.New(logCfg)

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("client", c.id).Logger()
	if c.codec == nil {
		c.codec = codec.Default
	}
	if c.dialer == nil {
		c.dialer = &transport.WebSocketDialer{WriteTimeout: cfg.WriteTimeout}
	}
	if c.balancer == nil {
		b, err := loadbalance.New(cfg.Balancer)
		if err != nil {
			return nil, err
		}
		c.balancer = b
	}
	if c.registry == nil && cfg.Service != "" && len(cfg.EtcdEndpoints) > 0 {
		logger := c.logger
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, &logger)
		if err != nil {
			return nil, err
		}
		c.registry = reg
	}
	if cfg.Service != "" && c.registry == nil && cfg.Endpoint == "" {
		return nil, errors.Errorf("client: service %q needs a registry", cfg.Service)
	}

	c.coordinator = coordinator.New(c.codec, coordinator.WithLogger(c.logger))
	c.dispatcher = rpc.NewDispatcher(c.contracts.Resolve, c.codec, rpc.WithLogger(c.logger))
	c.handlers = c.newHandlers()
	c.invoke = c.invoker(cfg.RequestTimeout)
	return c, nil
}

func (c *Client) invoker(timeout time.Duration) rpc.InvokeFunc {
	invoke := c.coordinator.Invoker(c.Send, timeout)
	if c.cfg.MaxRetries > 0 {
		invoke = middleware.RetryInvoke(c.cfg.MaxRetries, c.cfg.RetryDelay, c.logger)(invoke)
	}
	return invoke
}

// ID identifies the client. Consistent-hash balancing keys on it.
func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the connection. If it fails and auto-reconnect is enabled, the
// reconnect loop keeps trying in the background; the error is still returned.
func (c *Client) Connect(ctx context.Context) error {
	c.reconnect.stop()
	err := c.open(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("connect failed")
		c.scheduleReconnect()
	}
	return err
}

// PrepareForDisposal permanently disables auto-reconnect and stops a running
// reconnect loop. The current connection stays open.
func (c *Client) PrepareForDisposal() {
	c.lifecycleMu.Lock()
	c.disposed = true
	c.lifecycleMu.Unlock()
	c.reconnect.stop()
}

// Close disables auto-reconnect, closes the connection and waits for its read
// loop to finish. Pending calls fail with rpcerr.ErrCancelled.
func (c *Client) Close() error {
	c.PrepareForDisposal()

	c.mu.Lock()
	conn, done := c.conn, c.readDone
	if conn != nil {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if conn == nil {
		c.coordinator.CancelAll()
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// Send writes m to the server.
func (c *Client) Send(m *message.Message) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if conn == nil || !open {
		return rpcerr.ErrNotConnected
	}

	data, err := protocol.Encode(m, c.codec)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return errors.WithMessage(rpcerr.ErrNotConnected, err.Error())
		}
		return errors.WithMessagef(err, "send %s", m.Type)
	}
	return nil
}

// Request sends m and waits for the server's reply, at most the configured
// request timeout unless ctx carries its own deadline.
func (c *Client) Request(ctx context.Context, m *message.Message) (*message.Message, error) {
	timeout := c.cfg.RequestTimeout
	if ctx != nil {
		if _, ok := ctx.Deadline(); ok {
			timeout = 0
		}
	}
	return c.coordinator.Coordinate(ctx, c.Send, m, timeout)
}

// Bind fills stub with calls to a server contract. See rpc.Bind.
func (c *Client) Bind(stub any, contract string) error {
	return rpc.Bind(stub, contract, c.invoke, c.codec)
}

// BindWithTimeout is Bind with its own default call timeout.
func (c *Client) BindWithTimeout(stub any, contract string, timeout time.Duration) error {
	return rpc.Bind(stub, contract, c.invoker(timeout), c.codec)
}

// Call invokes contract.method on the server and decodes the result into reply.
func (c *Client) Call(ctx context.Context, contract, method string, reply any, args ...any) error {
	return rpc.Call(ctx, c.invoke, c.codec, contract, method, reply, args...)
}

// Register exposes a contract to the server. provider runs on every call.
func (c *Client) Register(contract string, provider rpc.Provider) {
	c.contracts.Register(contract, provider)
}

// RegisterInstance exposes impl to the server under contract.
func (c *Client) RegisterInstance(contract string, impl any) {
	c.contracts.RegisterInstance(contract, impl)
}

// Register exposes the implementation of interface I to the server.
func Register[I any](c *Client, provider func() I) {
	rpc.Register(c.contracts, provider)
}

// PubSub returns the bound stub of the server's PubSub contract.
func (c *Client) PubSub() *pubsub.Client {
	c.pubsubOnce.Do(func() {
		c.pubsub = &pubsub.Client{}
		if err := c.Bind(c.pubsub, ""); err != nil {
			// The stub is fixed, so this is a programming error
			panic(err)
		}
	})
	return c.pubsub
}

func (c *Client) unsolicited(ctx context.Context, m *message.Message) error {
	if m.Type == message.TypePublish {
		if c.hooks.OnPublish != nil {
			c.hooks.OnPublish(m.Topic(), m.Payload)
		} else {
			c.logger.Debug().Str("topic", m.Topic()).Msg("no publish handler")
		}
		if m.RequireReply {
			return c.Send(message.NewAck(m.ID()))
		}
		return nil
	}
	if c.hooks.OnMessage != nil {
		return c.hooks.OnMessage(ctx, m)
	}
	return errors.Errorf("no handler for %s messages", m.Type)
}

func (c *Client) reportError(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
		return
	}
	c.logger.Warn().Err(err).Msg("message handler failed")
}
