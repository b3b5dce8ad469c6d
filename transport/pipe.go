package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const pipeBuffer = 64

// PipeConn is one end of an in-memory connection created by Pipe.
type PipeConn struct {
	recv      chan []byte
	peer      *PipeConn
	done      chan struct{}
	closeOnce sync.Once
	deafPings atomic.Bool
}

// Pipe returns two connected in-memory ends. Messages written to one are read
// from the other, in order.
func Pipe() (*PipeConn, *PipeConn) {
	a := &PipeConn{recv: make(chan []byte, pipeBuffer), done: make(chan struct{})}
	b := &PipeConn{recv: make(chan []byte, pipeBuffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// IgnorePings makes this end stop answering its peer's pings.
func (p *PipeConn) IgnorePings(ignore bool) {
	p.deafPings.Store(ignore)
}

func (p *PipeConn) WriteMessage(data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.recv <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	}
}

func (p *PipeConn) ReadMessage() ([]byte, error) {
	// Drain what was written before a close
	select {
	case data := <-p.recv:
		return data, nil
	default:
	}
	select {
	case data := <-p.recv:
		return data, nil
	case <-p.done:
		return nil, ErrClosed
	case <-p.peer.done:
		return nil, ErrClosed
	}
}

func (p *PipeConn) Ping(ctx context.Context) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	if !p.peer.deafPings.Load() {
		return nil
	}
	<-ctx.Done()
	return errors.Wrap(ctx.Err(), "waiting for pong")
}

func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
