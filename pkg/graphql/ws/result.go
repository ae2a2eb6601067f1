package ws

import "errors"

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ResultError is one entry of the errors list of a result.
type ResultError struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (e ResultError) Error() string { return e.Message }

// OperationResult is the payload of a data message. The data key is present
// iff Data is not nil.
type OperationResult struct {
	Data   interface{}   `json:"data,omitempty"`
	Errors []ResultError `json:"errors,omitempty"`
}

// Empty reports a result with neither data nor errors. Those are never sent.
func (r *OperationResult) Empty() bool {
	return r == nil || (r.Data == nil && len(r.Errors) == 0)
}

// ErrorResult wraps errs in a result without data.
func ErrorResult(errs ...error) *OperationResult {
	result := &OperationResult{}
	for _, err := range errs {
		var resultErr ResultError
		if errors.As(err, &resultErr) {
			result.Errors = append(result.Errors, resultErr)
			continue
		}
		result.Errors = append(result.Errors, ResultError{Message: err.Error()})
	}
	return result
}
