package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultShutdownTimeout = 5 * time.Second

const startPayloadSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string"},
    "operationName": {"type": ["string", "null"]},
    "variables": {"type": ["object", "null"]}
  }
}`

var startPayload = mustSchema(startPayloadSchema)

func mustSchema(raw string) *jsonschema.RootSchema {
	rs := &jsonschema.RootSchema{}
	if err := json.Unmarshal([]byte(raw), rs); err != nil {
		panic(fmt.Sprintf("ws: invalid schema: %v", err))
	}
	return rs
}

var errPayloadNotObject = errors.New("payload must be a dict")

type Option func(*Server)

func WithOnConnect(fn OnConnectFunc) Option {
	return func(s *Server) { s.onConnect = fn }
}

func WithOnOperation(fn OnOperationFunc) Option {
	return func(s *Server) { s.onOperation = fn }
}

func WithOnOperationComplete(fn OnOperationCompleteFunc) Option {
	return func(s *Server) { s.onOperationComplete = fn }
}

// WithKeepAlive sends a ka message every interval once a session is
// acknowledged. Zero disables it.
func WithKeepAlive(interval time.Duration) Option {
	return func(s *Server) { s.keepAlive = interval }
}

// WithShutdownTimeout bounds how long a closing session waits for its
// in-flight work.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) { s.tracer = tracer }
}

// Server speaks the graphql-ws protocol over any number of connections,
// handing operations to one Executor.
type Server struct {
	executor Executor

	onConnect           OnConnectFunc
	onOperation         OnOperationFunc
	onOperationComplete OnOperationCompleteFunc

	keepAlive       time.Duration
	shutdownTimeout time.Duration

	logger zerolog.Logger
	tracer trace.Tracer
}

func NewServer(executor Executor, opts ...Option) *Server {
	s := &Server{
		executor:        executor,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/uswitch/subscriptions/pkg/graphql/ws")
	}

	return s
}

// Serve runs one session over conn until the connection closes or ctx is
// done. requestContext is merged into the context of every operation.
func (s *Server) Serve(ctx context.Context, conn Connection, requestContext interface{}) error {
	return s.newSession(ctx, conn, requestContext).run()
}

// parseParams validates a start payload and builds the execution parameters
// from it.
func parseParams(payload json.RawMessage) (*OperationParams, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errPayloadNotObject
	}

	valErrs, err := startPayload.ValidateBytes(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}
	if len(valErrs) > 0 {
		msgs := make([]string, 0, len(valErrs))
		for _, e := range valErrs {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.PropertyPath, e.Message))
		}
		return nil, errors.New(strings.Join(msgs, "; "))
	}

	var params OperationParams
	if err := json.Unmarshal(trimmed, &params); err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}

	return &params, nil
}

// mergeContext overlays the payload context on the request context. Keys of
// the payload win; a non-map payload context replaces the request context.
func mergeContext(request, payload interface{}) interface{} {
	if payload == nil {
		return request
	}

	payloadMap, ok := asMap(payload)
	if !ok {
		return payload
	}
	requestMap, ok := asMap(request)
	if !ok {
		return payload
	}

	merged := make(map[string]interface{}, len(requestMap)+len(payloadMap))
	for k, v := range requestMap {
		merged[k] = v
	}
	for k, v := range payloadMap {
		merged[k] = v
	}
	return merged
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case ConnectionParams:
		return m, true
	}
	return nil, false
}
