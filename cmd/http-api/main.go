package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/uswitch/subscriptions/pkg/audit"
	"github.com/uswitch/subscriptions/pkg/graphql"
	"github.com/uswitch/subscriptions/pkg/observability"
	"github.com/uswitch/subscriptions/pkg/pubsub"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "http-api [config path]")
		os.Exit(1)
	}

	configPath := os.Args[1]
	config, err := ConfigFromPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could load config file from '%s': %v\n", configPath, err)
		os.Exit(1)
	}

	logger := observability.InitLogger("http-api", config.Log.Level, config.Log.Pretty)

	if err := run(config, logger); err != nil {
		logger.Fatal().Err(err).Msg("http-api stopped")
	}
}

func newPubSub(config PubSubConfig, logger zerolog.Logger) (pubsub.PubSub, func()) {
	if config.Backend == "redis" {
		r := pubsub.NewRedis(config.Redis.pubsubConfig(), logger.With().Str("component", "pubsub").Logger())
		return r, func() {
			if err := r.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing redis")
			}
		}
	}

	return pubsub.NewInMemory(), func() {}
}

func newHTTPServer(ctx context.Context, config ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         config.Addr,
		Handler:      handler,
		ReadTimeout:  secs(config.ReadTimeoutSecs),
		WriteTimeout: secs(config.WriteTimeoutSecs),
		IdleTimeout:  secs(config.IdleTimeoutSecs),
		// websocket sessions live on this context and go away with it
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

func listen(server *http.Server, name string, logger zerolog.Logger) error {
	logger.Info().Str("addr", server.Addr).Msgf("%s server listening", name)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}

	return nil
}

func run(config *Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.RegisterMetrics()

	if config.Tracing.Endpoint != "" {
		shutdownTracing, err := observability.SetupTracing(ctx, config.Tracing.Endpoint, config.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("flushing traces")
			}
		}()
	}

	ps, closePubSub := newPubSub(config.PubSub, logger)
	defer closePubSub()

	authn, err := newAuthenticator(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("setting up authentication: %w", err)
	}

	schema, err := graphql.NewSchema(ps, graphql.SchemaConfig{})
	if err != nil {
		return fmt.Errorf("building schema: %w", err)
	}

	var auditLogger audit.Logger
	executorOpts := []graphql.ExecutorOption{
		graphql.WithLogger(logger.With().Str("component", "executor").Logger()),
	}
	if config.Log.Audit {
		auditLogger = audit.NewAuditLog(zerolog.New(os.Stdout).With().Str("log", "audit").Logger())
		executorOpts = append(executorOpts, graphql.WithAuditLogger(auditLogger))
	}

	executor := graphql.NewExecutor(schema, executorOpts...)
	wsServer := newWSServer(executor, authn, config.Protocol, logger.With().Str("component", "graphql-ws").Logger())

	api, err := apiHandler(executor, wsServer, authn, auditLogger, config.Api, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	apiServer := newHTTPServer(gctx, config.Api.Server, api)
	opsServer := newHTTPServer(gctx, config.Ops.Server, opsHandler(ps))

	g.Go(func() error { return listen(apiServer, "API", logger) })
	g.Go(func() error { return listen(opsServer, "Ops", logger) })

	g.Go(func() error {
		<-gctx.Done()

		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), secs(config.GracefulTimeoutSecs))
		defer cancel()

		return errors.Join(
			apiServer.Shutdown(shutdownCtx),
			opsServer.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}
