// Package kit holds the small transport-agnostic building blocks shared by
// the dispatcher surfaces: the Endpoint abstraction, middleware chaining,
// request-scoped context accessors, and the MCP tool bridge.
package kit

import "context"

// Endpoint is one command handler, independent of transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost.
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
