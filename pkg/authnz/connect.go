package authnz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

const DefaultTokenKey = "authToken"

// ConnectHook authenticates graphql-ws sessions with the token found under
// tokenKey in the connection_init payload. Operations of the session run as
// the authenticated user.
func ConnectHook(a Authenticator, tokenKey string) ws.OnConnectFunc {
	if tokenKey == "" {
		tokenKey = DefaultTokenKey
	}

	return func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
		var params ws.ConnectionParams
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &params); err != nil {
				return nil, fmt.Errorf("invalid connection params: %v", err)
			}
		}

		token, _ := params[tokenKey].(string)
		token = strings.TrimPrefix(token, "Bearer ")

		user, err := a.Authenticate(ctx, token)
		if err != nil {
			return nil, err
		}

		return WithUser(ctx, user), nil
	}
}
