// Package server accepts websocket connections and runs one Session per client.
//
// Every session owns its read loop, its Coordinator and its topic set; the
// server owns the contract providers, the middleware chain, the pub/sub broker
// and the Prometheus registry they share.
//
//	HTTP GET /ws → Upgrade → Session (read loop)
//	  → reply        → Coordinator pending slot
//	  → RpcRequest   → go Dispatcher: middleware chain → contract → reply
//	  → Publish      → Broker fan-out (+ Ack when required)
//	  → Text/other   → OnMessage hook
package server

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wsrpc/codec"
	"wsrpc/config"
	"wsrpc/logging"
	"wsrpc/message"
	"wsrpc/middleware"
	"wsrpc/pubsub"
	"wsrpc/registry"
	"wsrpc/rpc"
	"wsrpc/transport"
)

// ErrServerClosed is returned when accepting connections after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// ContractProvider returns the implementation of a contract for one session.
// It is called at most once per session, on the first call to the contract.
type ContractProvider func(sess *Session) any

// Hooks observe the session lifecycle. All of them are optional.
type Hooks struct {
	OnConnect    func(sess *Session)
	OnDisconnect func(sess *Session)
	// OnMessage handles Text and other unsolicited messages. A returned error is
	// sent back as an Error reply when the client waits for one.
	OnMessage func(ctx context.Context, sess *Session, m *message.Message) error
	// OnError receives failures that could not be reported to the client.
	OnError func(sess *Session, err error)
}

type Server struct {
	cfg    config.Server
	codec  codec.Codec
	logger zerolog.Logger
	hooks  Hooks

	mu          sync.RWMutex
	contracts   map[string]ContractProvider
	sessions    map[string]*Session
	middlewares []middleware.Middleware
	httpServer  *http.Server
	advertised  string

	chainOnce    sync.Once
	handlerChain middleware.Middleware // middleware(middleware(...(serve))), built on first use

	broker       *pubsub.Broker
	registry     registry.Registry
	ownsRegistry bool
	upgrader     websocket.Upgrader

	promReg       *prometheus.Registry
	sessionsGauge prometheus.Gauge

	wg       sync.WaitGroup // Session read loops
	shutdown atomic.Bool
}

type Option func(*Server)

func WithCodec(c codec.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry advertises the server through reg instead of an etcd registry
// built from the configuration.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithPrometheus collects the server metrics in reg instead of a private registry.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.promReg = reg
	}
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) {
		s.upgrader = u
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Server) {
		s.hooks = h
	}
}

// NewServer creates a server with the default middleware chain described by cfg
// and the PubSub contract registered.
func NewServer(cfg config.Server, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		contracts: make(map[string]ContractProvider),
		sessions:  make(map[string]*Session),
	}
	logCfg := cfg.Log
	if logCfg.Component == "" {
		logCfg.Component = "server"
	}
	s.logger = logging.New(logCfg)

	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = codec.Default
	}
	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
		s.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.sessionsGauge = promauto.With(s.promReg).NewGauge(prometheus.GaugeOpts{
		Namespace: "wsrpc",
		Subsystem: "server",
		Name:      "sessions",
		Help:      "Connected sessions.",
	})
	s.broker = pubsub.NewBroker(pubsub.WithLogger(s.logger))

	if cfg.Tracing {
		s.middlewares = append(s.middlewares, middleware.TracingMiddleware())
	}
	if cfg.Metrics {
		s.middlewares = append(s.middlewares, middleware.MetricsMiddleware(middleware.WithRegistry(s.promReg)))
	}
	s.middlewares = append(s.middlewares, middleware.LoggingMiddleware(s.logger))
	if cfg.RateLimit > 0 {
		s.middlewares = append(s.middlewares, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		s.middlewares = append(s.middlewares, middleware.TimeoutMiddleware(cfg.HandlerTimeout))
	}

	s.Register(pubsub.ContractName, func(sess *Session) any {
		return pubsub.NewService(s.broker, sess)
	})
	return s
}

// Use appends a middleware to the chain. It has no effect once the first
// session has connected.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) chain() middleware.Middleware {
	s.chainOnce.Do(func() {
		s.mu.RLock()
		mws := append([]middleware.Middleware(nil), s.middlewares...)
		s.mu.RUnlock()
		s.handlerChain = middleware.Chain(mws...)
	})
	return s.handlerChain
}

// Register installs provider under contract, replacing any previous one.
func (s *Server) Register(contract string, provider ContractProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[contract] = provider
}

// RegisterInstance shares impl between all sessions.
func (s *Server) RegisterInstance(contract string, impl any) {
	s.Register(contract, func(*Session) any { return impl })
}

// Register installs provider under the qualified name of interface I.
func Register[I any](s *Server, provider func(sess *Session) I) {
	s.Register(rpc.ContractName[I](), func(sess *Session) any { return provider(sess) })
}

// Contracts returns the registered contract names, sorted.
func (s *Server) Contracts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.contracts))
	for name := range s.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) provider(contract string) (ContractProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.contracts[contract]
	return p, ok
}

// Broker returns the pub/sub broker shared by all sessions.
func (s *Server) Broker() *pubsub.Broker { return s.broker }

// Prometheus returns the registry the server metrics are collected in.
func (s *Server) Prometheus() *prometheus.Registry { return s.promReg }

// Handler returns the HTTP handler serving the websocket route and, when
// configured, the metrics route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get(s.cfg.Path, s.serveWS)
	if s.cfg.MetricsPath != "" {
		r.Method(http.MethodGet, s.cfg.MetricsPath,
			promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{Registry: s.promReg}))
	}
	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := transport.Upgrade(w, r, &s.upgrader, s.cfg.WriteTimeout)
	if err != nil {
		// The upgrader has already answered the request
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if _, err := s.ServeConn(conn); err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("connection rejected")
	}
}

// ServeConn starts a session on conn and returns without waiting for it to end.
func (s *Server) ServeConn(conn transport.Conn) (*Session, error) {
	if s.shutdown.Load() {
		_ = conn.Close()
		return nil, ErrServerClosed
	}
	sess := newSession(s, conn)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.broker.Add(sess)
	s.sessionsGauge.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()

	sess.logger.Debug().Msg("session opened")
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(sess)
	}
	return sess, nil
}

// detach forgets a session whose read loop has ended.
func (s *Server) detach(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.broker.Remove(sess.id)
	s.sessionsGauge.Dec()
	sess.logger.Debug().Msg("session closed")
}

// Session returns the connected session with the given id.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of the connected sessions.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	return list
}

// Broadcast sends m to every session except the one with id except, and
// returns how many sends succeeded.
func (s *Server) Broadcast(m *message.Message, except string) int {
	sent := 0
	for _, sess := range s.Sessions() {
		if sess.id == except {
			continue
		}
		if err := sess.Send(m); err != nil {
			sess.logger.Warn().Err(err).Str("type", m.Type).Msg("broadcast failed")
			continue
		}
		sent++
	}
	return sent
}

// Publish fans data out to subscribed sessions without waiting.
func (s *Server) Publish(topic string, data []byte) {
	s.broker.Publish(topic, data)
}

// PublishSync fans data out and returns the number of deliveries.
func (s *Server) PublishSync(topic string, data []byte) int {
	return s.broker.PublishSync(topic, data)
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. When a service name is
// configured, the advertised URL is registered for discovery first.
func (s *Server) Serve(l net.Listener) error {
	if s.shutdown.Load() {
		_ = l.Close()
		return ErrServerClosed
	}
	httpServer := &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := s.advertise(l.Addr()); err != nil {
		_ = l.Close()
		return err
	}

	s.logger.Info().Str("addr", l.Addr().String()).Str("path", s.cfg.Path).Msg("serving")
	err := httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return err
}

func (s *Server) advertise(addr net.Addr) error {
	if s.cfg.ServiceName == "" {
		return nil
	}
	if s.registry == nil {
		if len(s.cfg.EtcdEndpoints) == 0 {
			return nil
		}
		logger := s.logger
		reg, err := registry.NewEtcdRegistry(s.cfg.EtcdEndpoints, &logger)
		if err != nil {
			return err
		}
		s.registry = reg
		s.ownsRegistry = true
	}

	url := s.cfg.AdvertiseURL
	if url == "" {
		path := s.cfg.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		url = "ws://" + addr.String() + path
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.registry.Register(ctx, s.cfg.ServiceName, registry.ServiceInstance{
		Addr:    url,
		Weight:  s.cfg.Weight,
		Version: s.cfg.Version,
	}, s.cfg.RegistryTTL)
	if err != nil {
		return errors.WithMessagef(err, "advertise %s", s.cfg.ServiceName)
	}

	s.mu.Lock()
	s.advertised = url
	s.mu.Unlock()
	s.logger.Info().Str("service", s.cfg.ServiceName).Str("url", url).Msg("registered")
	return nil
}

// Shutdown stops the server gracefully:
//  1. Deregister from discovery so clients stop picking this server
//  2. Stop accepting connections
//  3. Close every session and wait for their handlers, at most timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	advertised := s.advertised
	s.advertised = ""
	httpServer := s.httpServer
	s.mu.Unlock()

	if advertised != "" {
		if err := s.registry.Deregister(ctx, s.cfg.ServiceName, advertised); err != nil {
			s.logger.Warn().Err(err).Str("service", s.cfg.ServiceName).Msg("deregister failed")
		}
	}

	s.shutdown.Store(true)
	var result error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			result = errors.Wrap(err, "http shutdown")
		}
	}

	for _, sess := range s.Sessions() {
		_ = sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.broker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.New("timeout waiting for sessions to finish")
	}

	if closer, ok := s.registry.(interface{ Close() error }); ok && s.ownsRegistry {
		if err := closer.Close(); err != nil && result == nil {
			result = errors.Wrap(err, "close registry")
		}
	}
	return result
}
