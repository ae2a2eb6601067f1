package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

func TestOperationParams(t *testing.T) {
	params, err := operationParams("query q($n: Int) { n }", "q", `{"n": 3}`)
	require.NoError(t, err)

	assert.Equal(t, "q", params.OperationName)
	assert.Equal(t, map[string]interface{}{"n": float64(3)}, params.Variables)

	_, err = operationParams("{ base }", "", `[1, 2]`)
	assert.Error(t, err)

	params, err = operationParams("{ base }", "", "")
	require.NoError(t, err)
	assert.Nil(t, params.Variables)
}

func TestPrinter(t *testing.T) {
	result := &ws.OperationResult{Data: map[string]interface{}{"base": "Hello World!"}}

	out := &bytes.Buffer{}
	require.NoError(t, printer(out, false)(result))
	assert.Equal(t, `{"data":{"base":"Hello World!"}}`+"\n", out.String())

	out.Reset()
	require.NoError(t, printer(out, true)(result))
	assert.Contains(t, out.String(), "Hello World!")
}
