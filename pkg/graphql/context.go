package graphql

import "context"

type contextKey string

const RequestContextKey = contextKey("graphql-request-context")

// RequestContext is the context value of the operation: the request context
// of the connection merged with the context of the start payload.
func RequestContext(ctx context.Context) interface{} {
	return ctx.Value(RequestContextKey)
}

func withRequestContext(ctx context.Context, value interface{}) context.Context {
	if value == nil {
		return ctx
	}
	return context.WithValue(ctx, RequestContextKey, value)
}
