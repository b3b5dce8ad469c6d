package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes messages back until the peer
// closes.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, nil, time.Second)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	srv := echoServer(t)
	conn, err := (&WebSocketDialer{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	// Concurrent writers must not corrupt frames
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, conn.WriteMessage([]byte("frame")))
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "frame", string(data))
	}
}

func TestWebSocketPing(t *testing.T) {
	srv := echoServer(t)
	conn, err := (&WebSocketDialer{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	// Pongs are handled by the reader
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Ping(ctx))

	require.NoError(t, conn.Close())
	<-readDone
}

func TestWebSocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := (&WebSocketDialer{}).Dial(ctx, "ws://127.0.0.1:1/nothing")
	assert.Error(t, err)
}

func TestPipe(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := Pipe()

	require.NoError(t, a.WriteMessage([]byte("one")))
	require.NoError(t, a.WriteMessage([]byte("two")))
	for _, want := range []string{"one", "two"} {
		data, err := b.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}

	require.NoError(t, a.Ping(context.Background()))
	b.IgnorePings(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Ping(ctx))

	require.NoError(t, b.Close())
	_, err := a.ReadMessage()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.WriteMessage([]byte("late")), ErrClosed)
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	defer leaktest.Check(t)()
	a, _ := Pipe()

	errs := make(chan error, 1)
	go func() {
		_, err := a.ReadMessage()
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)
}

func TestDialerFunc(t *testing.T) {
	a, _ := Pipe()
	var d Dialer = DialerFunc(func(ctx context.Context, url string) (Conn, error) {
		assert.Equal(t, "mem://peer", url)
		return a, nil
	})
	conn, err := d.Dial(context.Background(), "mem://peer")
	require.NoError(t, err)
	assert.Same(t, a, conn)
}
