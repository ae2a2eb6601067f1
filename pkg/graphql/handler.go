package graphql

import (
	"context"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	"github.com/rs/zerolog"

	"github.com/uswitch/subscriptions/pkg/audit"
	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

type ExecutorOption func(*Executor)

func WithAuditLogger(auditLogger audit.Logger) ExecutorOption {
	return func(e *Executor) { e.auditLogger = auditLogger }
}

func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithContextValues adds values to the context every resolver sees.
func WithContextValues(fns ...func(context.Context) context.Context) ExecutorOption {
	return func(e *Executor) { e.values = append(e.values, fns...) }
}

// Executor runs operations against a graphql-go schema. Queries and mutations
// give a single result, subscriptions a stream of results.
type Executor struct {
	schema graphql.Schema

	auditLogger audit.Logger
	logger      zerolog.Logger
	values      []func(context.Context) context.Context
}

func NewExecutor(schema graphql.Schema, opts ...ExecutorOption) *Executor {
	e := &Executor{
		schema: schema,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Executor) addValuesTo(ctx context.Context, params *ws.OperationParams) context.Context {
	ctx = withRequestContext(ctx, params.Context)
	for _, fn := range e.values {
		ctx = fn(ctx)
	}
	return ctx
}

func (e *Executor) Execute(ctx context.Context, params *ws.OperationParams) (*ws.Execution, error) {
	if e.auditLogger != nil {
		e.auditLogger.Log(ctx, audit.AuditData{
			"query":          params.Query,
			"variables":      params.Variables,
			"operation_name": params.OperationName,
		})
	}

	AST, opDef, errs := e.prepare(params)
	if errs != nil {
		e.logger.Debug().Int("errors", len(errs)).Msg("operation rejected before execution")
		return ws.Immediate(errorsResult(nil, errs)), nil
	}

	e.logger.Debug().
		Str("operation_type", opDef.GetOperation()).
		Str("operation_name", params.OperationName).
		Msg("executing operation")

	execParams := graphql.ExecuteParams{
		Schema:        e.schema,
		AST:           AST,
		OperationName: params.OperationName,
		Args:          params.Variables,
	}

	switch opDef.GetOperation() {
	case ast.OperationTypeQuery, ast.OperationTypeMutation:
		return ws.Pending(func(ctx context.Context) (*ws.OperationResult, error) {
			execParams.Context = e.addValuesTo(ctx, params)
			return resultFrom(graphql.Execute(execParams)), nil
		}), nil
	case ast.OperationTypeSubscription:
		stream := ws.Subscribe(ctx, func(ctx context.Context) (<-chan *graphql.Result, error) {
			execParams.Context = e.addValuesTo(ctx, params)
			return graphql.ExecuteSubscription(execParams), nil
		}, func(result *graphql.Result) (*ws.OperationResult, error) {
			return resultFrom(result), nil
		})

		return ws.Streaming(stream), nil
	default:
		return nil, fmt.Errorf("unsupported operation type: %s", opDef.GetOperation())
	}
}

// prepare parses and validates the query and picks the operation to run.
// Failures are returned as GraphQL errors rather than Go errors so they reach
// the client as a result.
func (e *Executor) prepare(params *ws.OperationParams) (*ast.Document, *ast.OperationDefinition, []gqlerrors.FormattedError) {
	source := source.NewSource(&source.Source{
		Body: []byte(params.Query),
		Name: "GraphQL request",
	})

	// parse the source
	AST, err := parser.Parse(parser.ParseParams{Source: source})
	if err != nil {
		return nil, nil, gqlerrors.FormatErrors(err)
	}

	validationResult := graphql.ValidateDocument(&e.schema, AST, nil)

	if !validationResult.IsValid {
		return nil, nil, validationResult.Errors
	}

	opDef, err := operationFrom(AST, params.OperationName)
	if err != nil {
		return nil, nil, gqlerrors.FormatErrors(err)
	}

	return AST, opDef, nil
}

// IsSubscription reports whether the operation params would run as a
// subscription. Unparseable queries are not subscriptions.
func (e *Executor) IsSubscription(params *ws.OperationParams) bool {
	AST, err := parser.Parse(parser.ParseParams{Source: source.NewSource(&source.Source{
		Body: []byte(params.Query),
		Name: "GraphQL request",
	})})
	if err != nil {
		return false
	}

	opDef, err := operationFrom(AST, params.OperationName)
	if err != nil {
		return false
	}

	return opDef.GetOperation() == ast.OperationTypeSubscription
}

func operationFrom(doc *ast.Document, name string) (*ast.OperationDefinition, error) {
	var operation *ast.OperationDefinition

	for _, definition := range doc.Definitions {
		switch definition := definition.(type) {
		case *ast.OperationDefinition:
			if name != "" {
				if definition.Name != nil && definition.Name.Value == name {
					return definition, nil
				}
				continue
			}

			if operation != nil {
				return nil, fmt.Errorf("Must provide operation name if query contains multiple operations.")
			}
			operation = definition
		}
	}

	if operation == nil {
		if name != "" {
			return nil, fmt.Errorf("Unknown operation named \"%s\".", name)
		}
		return nil, fmt.Errorf("Must provide an operation.")
	}

	return operation, nil
}
