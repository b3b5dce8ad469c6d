package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"wsrpc/message"
	"wsrpc/rpc"
	"wsrpc/rpcerr"
)

// RetryInvoke wraps the outbound side: calls failing because the connection was
// down or the reply never came are retried up to maxRetries times with
// exponential backoff. Remote failures are returned immediately.
func RetryInvoke(maxRetries int, baseDelay time.Duration, logger zerolog.Logger) func(rpc.InvokeFunc) rpc.InvokeFunc {
	return func(next rpc.InvokeFunc) rpc.InvokeFunc {
		return func(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
			if ctx == nil {
				ctx = context.Background()
			}
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && retryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug().Err(err).
					Int("attempt", i+1).
					Str("contract", req.Contract).
					Str("method", req.Method).
					Dur("delay", delay).
					Msg("retrying rpc call")

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, err
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, rpcerr.ErrNotConnected) || errors.Is(err, rpcerr.ErrTimeout) ||
		errors.Is(err, rpcerr.ErrCancelled)
}
