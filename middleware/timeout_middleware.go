package middleware

import (
	"context"
	"time"

	"wsrpc/message"
	"wsrpc/rpc"
	"wsrpc/rpcerr"
)

// TimeoutMiddleware answers with a timeout error when the handler takes longer
// than timeout. The handler keeps running with a cancelled context; its late
// reply is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, req *rpc.Request) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return req.Fail(rpcerr.ErrTimeout)
			}
		}
	}
}
