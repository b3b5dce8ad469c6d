package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"wsrpc/message"
	"wsrpc/rpc"
)

// LoggingMiddleware logs every call with its duration, and failures at warn level.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, req *rpc.Request) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			if reply != nil && reply.Type == message.TypeError {
				evt := logger.Warn().
					Str("contract", req.Call.Contract).
					Str("method", req.Call.Method).
					Dur("duration", duration)
				if info, err := message.DecodeError(reply, req.Codec); err == nil {
					evt = evt.Str("error", info.Message)
				}
				evt.Msg("rpc call failed")
				return reply
			}
			logger.Debug().
				Str("contract", req.Call.Contract).
				Str("method", req.Call.Method).
				Dur("duration", duration).
				Msg("rpc call")
			return reply
		}
	}
}
