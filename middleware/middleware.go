// Package middleware wraps the inbound RPC handler of a peer.
//
// A Middleware receives the next handler and returns a new one, so cross-cutting
// concerns (logging, deadlines, rate limiting, metrics, tracing) stay out of the
// dispatcher. Middlewares run in the order given to Chain:
//
//	Chain(Logging, Timeout)(serve)  →  Logging → Timeout → serve
package middleware

import (
	"wsrpc/rpc"
)

type Middleware func(next rpc.HandlerFunc) rpc.HandlerFunc

// Chain composes middlewares into one. The first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
