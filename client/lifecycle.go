package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"wsrpc/coordinator"
	"wsrpc/protocol"
	"wsrpc/transport"
)

// Lower bounds applied to the configured intervals.
var (
	minReconnectInterval = time.Second
	minPingInterval      = 5 * time.Second
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// worker runs one background loop at a time. start replaces a running loop;
// stop cancels it and waits for it to return, and is a no-op when idle.
type worker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) start(fn func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel, w.done = cancel, done
	go func() {
		defer close(done)
		fn(ctx)
	}()
}

func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *worker) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel, w.done = nil, nil
}

func (w *worker) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// backoff yields the reconnect waits: min(initial, max), then min(previous × multiplier, max).
type backoff struct {
	current    time.Duration
	multiplier float64
	max        time.Duration
}

func newBackoff(initial time.Duration, multiplier float64, max time.Duration) *backoff {
	if max > 0 && initial > max {
		initial = max
	}
	if initial < minReconnectInterval {
		initial = minReconnectInterval
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &backoff{current: initial, multiplier: multiplier, max: max}
}

func (b *backoff) next() time.Duration {
	d := b.current
	grown := time.Duration(float64(b.current) * b.multiplier)
	if b.max > 0 && grown >= b.max {
		grown = b.max
	}
	b.current = grown
	return d
}

// open dials the endpoint and starts the read loop. It is a no-op when a
// connection is already open.
func (c *Client) open(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return errors.WithMessage(err, "connect")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = done
	c.state = StateOpen
	c.mu.Unlock()

	// The read loop's onClose stops keepalive, so it must already be running
	if c.cfg.KeepAlive {
		c.keepalive.start(c.keepaliveLoop(conn))
	}
	go c.readLoop(connCtx, cancel, conn, done)

	c.logger.Info().Msg("connected")
	if c.hooks.OnOpen != nil {
		c.hooks.OnOpen()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	url, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("url", url).Msg("dialing")
	return c.dialer.Dial(ctx, url)
}

func (c *Client) endpoint(ctx context.Context) (string, error) {
	if c.cfg.Service == "" || c.registry == nil {
		if c.cfg.Endpoint == "" {
			return "", errors.New("no endpoint configured")
		}
		return c.cfg.Endpoint, nil
	}
	instances, err := c.registry.Discover(ctx, c.cfg.Service)
	if err != nil {
		return "", errors.WithMessagef(err, "discover %s", c.cfg.Service)
	}
	instance, err := c.balancer.Pick(c.id, instances)
	if err != nil {
		return "", errors.WithMessagef(err, "pick %s instance", c.cfg.Service)
	}
	return instance.Addr, nil
}

func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, conn transport.Conn, done chan struct{}) {
	defer close(done)
	defer cancel()

	var readErr error
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		m, err := protocol.Decode(data, c.codec)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		c.coordinator.OnMessage(ctx, m, c.handlers)
	}
	c.onClose(conn, readErr)
}

// onClose runs once per connection, on its read loop.
func (c *Client) onClose(conn transport.Conn, err error) {
	_ = conn.Close()
	// Settle this connection before the state lets a new one open
	c.keepalive.stop()
	c.coordinator.CancelAll()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.logger.Info().Err(err).Msg("disconnected")
	if c.hooks.OnClose != nil {
		c.hooks.OnClose(err)
	}
	c.scheduleReconnect()
}

// scheduleReconnect starts the reconnect loop unless auto-reconnect is off or
// disposal was requested.
func (c *Client) scheduleReconnect() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.cfg.AutoReconnect || c.disposed {
		return
	}
	c.reconnect.start(c.reconnectLoop)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	b := newBackoff(c.cfg.ReconnectInitial, c.cfg.ReconnectMultiplier, c.cfg.ReconnectMax)
	for attempt := 1; ; attempt++ {
		if c.State() == StateOpen {
			return
		}
		if c.hooks.OnReconnecting != nil {
			c.hooks.OnReconnecting(attempt)
		}
		err := c.open(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.next()
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("reconnect failed")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// keepaliveLoop pings conn every interval and waits up to one interval for the
// pong. A missed pong is only logged unless CloseOnMissedPong is set.
func (c *Client) keepaliveLoop(conn transport.Conn) func(ctx context.Context) {
	interval := c.cfg.PingInterval
	if interval < minPingInterval {
		interval = minPingInterval
	}
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("no pong received after ping")
			if c.cfg.CloseOnMissedPong {
				_ = conn.Close()
				return
			}
		}
	}
}

// newHandlers routes the inbound non-reply messages of every connection.
func (c *Client) newHandlers() coordinator.Handlers {
	return coordinator.Handlers{
		Reply:       c.Send,
		Dispatch:    c.dispatcher.Handle,
		Unsolicited: c.unsolicited,
		OnError:     c.reportError,
	}
}
