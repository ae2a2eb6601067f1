package authnz

import (
	"context"
	"errors"

	"github.com/uswitch/subscriptions/pkg/middleware"
)

type contextKey string

const UserContextKey = contextKey("authnz-user")

var (
	ErrMissingToken = errors.New("authnz: missing token")
	ErrUnverified   = errors.New("authnz: no provider could verify the token")
	ErrMissingClaim = errors.New("authnz: token has no user claim")
)

type Authenticator interface {
	middleware.Middleware

	// Authenticate verifies a raw token and returns the user it names.
	Authenticate(ctx context.Context, rawToken string) (string, error)
}

func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(UserContextKey).(string)
	return user, ok
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}
