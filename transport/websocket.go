package transport

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocketConn is a Conn over a gorilla websocket connection. Messages travel
// as binary frames.
type WebSocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	sending      sync.Mutex // gorilla allows one concurrent writer

	pingSeq atomic.Uint64
	pongMu  sync.Mutex
	pongs   map[string]chan struct{} // Ping payload -> waiter

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established websocket connection.
func NewWebSocketConn(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &WebSocketConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		pongs:        make(map[string]chan struct{}),
	}
	conn.SetPongHandler(c.handlePong)
	return c
}

func (c *WebSocketConn) handlePong(appData string) error {
	c.pongMu.Lock()
	ch, ok := c.pongs[appData]
	delete(c.pongs, appData)
	c.pongMu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errors.WithMessage(ErrClosed, err.Error())
		}
		return nil, errors.Wrap(err, "websocket read")
	}
	return data, nil
}

func (c *WebSocketConn) Ping(ctx context.Context) error {
	id := strconv.FormatUint(c.pingSeq.Add(1), 10)
	ch := make(chan struct{})
	c.pongMu.Lock()
	c.pongs[id] = ch
	c.pongMu.Unlock()
	defer func() {
		c.pongMu.Lock()
		delete(c.pongs, id)
		c.pongMu.Unlock()
	}()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	// WriteControl may run concurrently with WriteMessage
	if err := c.conn.WriteControl(websocket.PingMessage, []byte(id), deadline); err != nil {
		return errors.Wrap(err, "websocket ping")
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for pong")
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// WebSocketDialer dials websocket endpoints (ws:// or wss://).
type WebSocketDialer struct {
	Dialer       *websocket.Dialer // nil uses websocket.DefaultDialer
	Header       http.Header
	WriteTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewWebSocketConn(conn, d.WriteTimeout), nil
}

// Upgrade turns an HTTP request into a server-side Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, writeTimeout time.Duration) (Conn, error) {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade")
	}
	return NewWebSocketConn(conn, writeTimeout), nil
}
