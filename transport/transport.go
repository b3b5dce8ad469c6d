// Package transport provides the persistent, full-duplex framed-message
// connection both peers run over.
//
// A Conn carries whole binary messages in both directions. Exactly one goroutine
// (the read loop) calls ReadMessage; any number of goroutines may call
// WriteMessage concurrently, since every implementation serializes writes so two
// frames never interleave on the wire.
//
//	goroutine-1 ──WriteMessage──┐
//	goroutine-2 ──WriteMessage──┼──→ write lock ──→ single connection ──→ peer
//	keepalive   ──Ping──────────┘
//
//	read loop:  ←── ReadMessage ←── single connection
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one framed-message connection.
type Conn interface {
	// WriteMessage sends one binary message. Safe for concurrent use.
	WriteMessage(data []byte) error
	// ReadMessage blocks until the next message arrives or the connection closes.
	ReadMessage() ([]byte, error)
	// Ping sends a ping and waits for the matching pong until ctx ends. Pongs are
	// processed by the read loop, so Ping only succeeds while one is running.
	Ping(ctx context.Context) error
	// Close closes the connection. A blocked ReadMessage returns an error.
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
