package graphql

import (
	"encoding/json"
	"net/http"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

type httpRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

func writeResult(w http.ResponseWriter, status int, result *ws.OperationResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

// HTTPHandler executes queries and mutations posted as JSON. Subscriptions
// need the websocket endpoint and are rejected.
func (e *Executor) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req httpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, http.StatusBadRequest, ws.ErrorResult(err))
			return
		}

		params := &ws.OperationParams{
			Query:         req.Query,
			OperationName: req.OperationName,
			Variables:     req.Variables,
		}

		if e.IsSubscription(params) {
			writeResult(w, http.StatusBadRequest, &ws.OperationResult{
				Errors: []ws.ResultError{{Message: "subscriptions are only supported over websockets"}},
			})
			return
		}

		execution, err := e.Execute(r.Context(), params)
		if err != nil {
			writeResult(w, http.StatusInternalServerError, ws.ErrorResult(err))
			return
		}

		result, err := execution.Result(r.Context())
		if err != nil {
			writeResult(w, http.StatusInternalServerError, ws.ErrorResult(err))
			return
		}

		writeResult(w, http.StatusOK, result)
	})
}
