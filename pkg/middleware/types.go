package middleware

import (
	"net/http"
)

// Middleware decorates an http.Handler. The API and websocket routes are
// assembled from these.
type Middleware interface {
	Middleware(http.Handler) http.Handler
}

// MiddlewareFunc adapts a plain function to Middleware.
type MiddlewareFunc func(http.Handler) http.Handler

func (fn MiddlewareFunc) Middleware(next http.Handler) http.Handler {
	return fn(next)
}

// PassThru stands in for an optional layer that is switched off, such as
// auditing without a configured audit log.
var PassThru = MiddlewareFunc(func(next http.Handler) http.Handler {
	return next
})

// Wrap applies middleware to handler so that the first entry sees the
// request first.
func Wrap(middleware []Middleware, handler http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i].Middleware(handler)
	}
	return handler
}

// Chain groups middleware into a single Middleware that applies them in
// order. cmd/http-api uses it for the request logging and metrics prefix
// that both /graphql and /graphqlws share, so each route only lists its
// own layers.
func Chain(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(next http.Handler) http.Handler {
		return Wrap(middleware, next)
	})
}
