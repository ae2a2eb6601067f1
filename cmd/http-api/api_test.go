package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uswitch/subscriptions/pkg/audit"
	"github.com/uswitch/subscriptions/pkg/authnz"
	"github.com/uswitch/subscriptions/pkg/authnz/authnztest"
	"github.com/uswitch/subscriptions/pkg/graphql"
	"github.com/uswitch/subscriptions/pkg/graphql/ws"
	"github.com/uswitch/subscriptions/pkg/pubsub"
	"github.com/uswitch/subscriptions/pkg/transport/gorilla"
)

var (
	expectedUser   = "wibble@bibble.com"
	keys, token, _ = authnztest.SetupKeysAndToken(expectedUser, "https://bibble.com", "api", "sub")
	providerConfig = authnz.OIDCConfig{
		URL:       "https://bibble.com",
		Keys:      keys,
		ClientID:  "api",
		UserClaim: "sub",
	}
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func doAPIRequest(srv *httptest.Server, token, method, path, body string) (*http.Response, error) {
	req, err := http.NewRequest(method, fmt.Sprintf("%s%s", srv.URL, path), strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	return srv.Client().Do(req)
}

func newAPIServer(t *testing.T, auditOut io.Writer) *httptest.Server {
	t.Helper()

	oidcAuth, err := authnz.NewOIDCAuthenticator(context.Background(), []authnz.OIDCConfig{providerConfig}, zerolog.Nop())
	require.NoError(t, err)

	schema, err := graphql.NewSchema(pubsub.NewInMemory(), graphql.SchemaConfig{Tick: time.Millisecond})
	require.NoError(t, err)

	auditLogger := audit.NewAuditLog(zerolog.New(auditOut))
	executor := graphql.NewExecutor(schema, graphql.WithAuditLogger(auditLogger))

	config := defaultConfig()
	wsServer := newWSServer(executor, oidcAuth, config.Protocol, zerolog.Nop())

	api, err := apiHandler(executor, wsServer, oidcAuth, auditLogger, config.Api, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	return srv
}

func TestAPIQuery(t *testing.T) {
	auditOut := &syncBuffer{}
	srv := newAPIServer(t, auditOut)

	response, err := doAPIRequest(srv, token, "POST", "/graphql", `{"query": "{ base }"}`)
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, 200, response.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Equal(t, map[string]interface{}{"base": "Hello World!"}, body["data"])

	assert.Contains(t, auditOut.String(), expectedUser)
}

func TestAPIQueryNeedsToken(t *testing.T) {
	srv := newAPIServer(t, io.Discard)

	response, err := doAPIRequest(srv, "", "POST", "/graphql", `{"query": "{ base }"}`)
	require.NoError(t, err)
	response.Body.Close()

	assert.Equal(t, 401, response.StatusCode)

	response, err = doAPIRequest(srv, "nonsense", "POST", "/graphql", `{"query": "{ base }"}`)
	require.NoError(t, err)
	response.Body.Close()

	assert.Equal(t, 401, response.StatusCode)
}

func TestAPIWrongMethod(t *testing.T) {
	srv := newAPIServer(t, io.Discard)

	response, err := doAPIRequest(srv, token, "GET", "/graphql", "")
	require.NoError(t, err)
	response.Body.Close()

	assert.Equal(t, 405, response.StatusCode)
}

func dialAPI(t *testing.T, srv *httptest.Server) *ws.ClientChannel {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, conn, err := gorilla.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/graphqlws", gorilla.DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return client
}

func TestAPISubscriptionWithToken(t *testing.T) {
	srv := newAPIServer(t, io.Discard)
	client := dialAPI(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, ws.ConnectionParams{"authToken": token}))

	results, err := client.Operation(ctx, ws.OperationParams{Query: "subscription { countSeconds(upTo: 1) }"})
	require.NoError(t, err)

	count := 0
	for result := range results {
		assert.Empty(t, result.Errors)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestAPISubscriptionWithoutToken(t *testing.T) {
	srv := newAPIServer(t, io.Discard)
	client := dialAPI(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Connect(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection rejected")
}

type failingPinger struct {
	pubsub.PubSub
}

func (failingPinger) Ping(context.Context) error { return errors.New("unreachable") }

func TestOpsHealthz(t *testing.T) {
	srv := httptest.NewServer(opsHandler(pubsub.NewInMemory()))
	defer srv.Close()

	response, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, 200, response.StatusCode)

	unhealthy := httptest.NewServer(opsHandler(failingPinger{pubsub.NewInMemory()}))
	defer unhealthy.Close()

	response, err = unhealthy.Client().Get(unhealthy.URL + "/healthz")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, 503, response.StatusCode)
}

func TestOpsMetrics(t *testing.T) {
	srv := httptest.NewServer(opsHandler(pubsub.NewInMemory()))
	defer srv.Close()

	response, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, 200, response.StatusCode)
}
