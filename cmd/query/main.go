package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
	"github.com/uswitch/subscriptions/pkg/observability"
	"github.com/uswitch/subscriptions/pkg/transport/gorilla"
)

var (
	url           string
	origin        string
	token         string
	variables     string
	operationName string
	prettyPrint   bool
	timeout       time.Duration
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "query [graphql query]",
	Short: "Run a GraphQL operation over graphql-ws and print every result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.InitLogger("query", logLevel, true)

		params, err := operationParams(args[0], operationName, variables)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		return run(ctx, params, cmd.OutOrStdout(), logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&url, "url", "ws://localhost:8080/graphqlws", "url to connect to")
	rootCmd.Flags().StringVar(&origin, "origin", "cli://subscriptions-client", "origin to send to the server")
	rootCmd.Flags().StringVar(&token, "token", "", "token sent as authToken in connection_init")
	rootCmd.Flags().StringVar(&variables, "variables", "", "JSON object of query variables")
	rootCmd.Flags().StringVar(&operationName, "operation-name", "", "operation to run when the query has several")
	rootCmd.Flags().BoolVar(&prettyPrint, "pretty", false, "pretty print results instead of JSON lines")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "stop the operation after this long, zero waits for it to complete")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
}

func operationParams(query, operationName, rawVariables string) (ws.OperationParams, error) {
	params := ws.OperationParams{
		Query:         query,
		OperationName: operationName,
	}

	if rawVariables != "" {
		if err := json.Unmarshal([]byte(rawVariables), &params.Variables); err != nil {
			return params, fmt.Errorf("variables must be a JSON object: %w", err)
		}
	}

	return params, nil
}

func printer(out io.Writer, prettyPrint bool) func(*ws.OperationResult) error {
	if prettyPrint {
		return func(result *ws.OperationResult) error {
			_, err := pretty.Fprintf(out, "%# v\n", result)
			return err
		}
	}

	enc := json.NewEncoder(out)
	return func(result *ws.OperationResult) error {
		return enc.Encode(result)
	}
}

func run(ctx context.Context, params ws.OperationParams, out io.Writer, logger zerolog.Logger) error {
	client, conn, err := gorilla.Dial(ctx, url, gorilla.DialOptions{Origin: origin, Logger: logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	var connParams ws.ConnectionParams
	if token != "" {
		connParams = ws.ConnectionParams{"authToken": token}
	}

	if err := client.Connect(ctx, connParams); err != nil {
		return fmt.Errorf("connecting to graphql server: %w", err)
	}

	results, err := client.Operation(ctx, params)
	if err != nil {
		return fmt.Errorf("querying graphql server: %w", err)
	}

	emit := printer(out, prettyPrint)

	for result := range results {
		if err := emit(result); err != nil {
			return err
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Close(closeCtx); err != nil {
		logger.Debug().Err(err).Msg("closing connection")
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
