package gorilla

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int

	// AllowedOrigins of the upgrade request. Empty means same host only, "*"
	// allows any origin.
	AllowedOrigins []string

	WriteTimeout time.Duration

	// RequestContext builds the request context of the session from the
	// upgrade request.
	RequestContext func(*http.Request) interface{}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}

	origins := map[string]bool{}
	for _, origin := range allowed {
		origins[strings.TrimSuffix(origin, "/")] = true
	}

	return func(r *http.Request) bool {
		if origins["*"] {
			return true
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			return false
		}

		return origins[u.Scheme+"://"+u.Host]
	}
}

// Handler upgrades requests to websockets and serves a graphql-ws session on
// each until it ends.
func Handler(server *ws.Server, config Config, logger zerolog.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		Subprotocols:    []string{ws.Subprotocol},
		CheckOrigin:     checkOrigin(config.AllowedOrigins),
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}

		if conn.Subprotocol() != ws.Subprotocol {
			logger.Debug().Str("remote", r.RemoteAddr).Msg("client did not negotiate the graphql-ws subprotocol")
		}

		var requestContext interface{}
		if config.RequestContext != nil {
			requestContext = config.RequestContext(r)
		}

		if err := server.Serve(r.Context(), NewConn(conn, config.WriteTimeout), requestContext); err != nil {
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("session ended with error")
		}
	})
}
