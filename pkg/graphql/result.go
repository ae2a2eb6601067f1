package graphql

import (
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

func resultErrors(errors []gqlerrors.FormattedError) []ws.ResultError {
	if len(errors) == 0 {
		return nil
	}

	out := make([]ws.ResultError, len(errors))

	for idx, err := range errors {
		out[idx] = ws.ResultError{
			Message:    err.Message,
			Path:       err.Path,
			Extensions: err.Extensions,
		}

		for _, loc := range err.Locations {
			out[idx].Locations = append(out[idx].Locations, ws.Location{Line: loc.Line, Column: loc.Column})
		}
	}

	return out
}

func resultFrom(result *graphql.Result) *ws.OperationResult {
	if result == nil {
		return nil
	}

	return errorsResult(result.Data, result.Errors)
}

func errorsResult(data interface{}, errors []gqlerrors.FormattedError) *ws.OperationResult {
	// graphql-go hands back a typed nil map when execution never started
	if m, ok := data.(map[string]interface{}); ok && m == nil {
		data = nil
	}

	return &ws.OperationResult{
		Data:   data,
		Errors: resultErrors(errors),
	}
}
