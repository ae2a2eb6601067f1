package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/uswitch/subscriptions/pkg/audit"
	"github.com/uswitch/subscriptions/pkg/authnz"
	"github.com/uswitch/subscriptions/pkg/graphql"
	"github.com/uswitch/subscriptions/pkg/graphql/ws"
	"github.com/uswitch/subscriptions/pkg/middleware"
	"github.com/uswitch/subscriptions/pkg/observability"
	"github.com/uswitch/subscriptions/pkg/pubsub"
	"github.com/uswitch/subscriptions/pkg/transport/gorilla"
)

type pinger interface {
	Ping(context.Context) error
}

func requestContext(r *http.Request) interface{} {
	return map[string]interface{}{
		"remoteAddr": r.RemoteAddr,
		"userAgent":  r.UserAgent(),
	}
}

func newAuthenticator(ctx context.Context, config *Config, logger zerolog.Logger) (authnz.Authenticator, error) {
	if len(config.Providers) == 0 {
		logger.Warn().Str("user", config.AnonymousUser).Msg("no OIDC providers configured, every request is anonymous")
		return authnz.NewAnonymousAuthenticator(config.AnonymousUser), nil
	}

	return authnz.NewOIDCAuthenticator(ctx, config.Providers, logger)
}

func newWSServer(executor ws.Executor, authn authnz.Authenticator, config ProtocolConfig, logger zerolog.Logger) *ws.Server {
	return ws.NewServer(executor,
		ws.WithOnConnect(authnz.ConnectHook(authn, config.AuthTokenKey)),
		ws.WithOnOperation(func(ctx context.Context, id ws.MessageID, params *ws.OperationParams) {
			user, _ := authnz.UserFromContext(ctx)
			logger.Debug().Str("operation", string(id)).Str("user", user).Str("operation_name", params.OperationName).Msg("operation started")
		}),
		ws.WithOnOperationComplete(func(ctx context.Context, id ws.MessageID) {
			logger.Debug().Str("operation", string(id)).Msg("operation complete")
		}),
		ws.WithKeepAlive(secs(config.KeepAliveSecs)),
		ws.WithShutdownTimeout(secs(config.ShutdownTimeoutSecs)),
		ws.WithLogger(logger),
	)
}

func apiHandler(executor *graphql.Executor, wsServer *ws.Server, authn authnz.Authenticator, auditLogger audit.Logger, config ApiConfig, logger zerolog.Logger) (http.Handler, error) {
	apiMux := http.NewServeMux()

	var auditMiddleware middleware.Middleware = middleware.PassThru
	if auditLogger != nil {
		auditMiddleware = auditLogger
	}

	observe := func(path string) middleware.Middleware {
		return middleware.Chain(
			middleware.NewRequestLogger(logger),
			middleware.NewRequestMetrics(path),
		)
	}

	apiMux.Handle("/graphql", middleware.Wrap(
		[]middleware.Middleware{
			observe("/graphql"),
			middleware.NewCORSMiddleware(config.CORS),
			authn,
			auditMiddleware,
		},
		executor.HTTPHandler(),
	))

	// websocket clients authenticate with connection_init
	apiMux.Handle("/graphqlws", middleware.Wrap(
		[]middleware.Middleware{
			observe("/graphqlws"),
		},
		gorilla.Handler(wsServer, gorilla.Config{
			ReadBufferSize:  config.WS.ReadBufferSize,
			WriteBufferSize: config.WS.WriteBufferSize,
			AllowedOrigins:  config.WS.AllowedOrigins,
			WriteTimeout:    secs(config.WS.WriteTimeoutSecs),
			RequestContext:  requestContext,
		}, logger),
	))

	return apiMux, nil
}

func opsHandler(ps pubsub.PubSub) http.Handler {
	opsMux := http.NewServeMux()

	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := ps.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				w.WriteHeader(503)
				fmt.Fprintf(w, "pubsub: %v", err)
				return
			}
		}

		w.WriteHeader(200)
		fmt.Fprint(w, "OK")
	})

	opsMux.Handle("/metrics", observability.Handler())

	return opsMux
}
