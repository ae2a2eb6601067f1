package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
	"github.com/uswitch/subscriptions/pkg/graphql/ws/wstest"
)

const quiet = 50 * time.Millisecond

// fakeExecutor routes on the query text. Streaming queries read from the
// source registered under the query.
type fakeExecutor struct {
	mu      sync.Mutex
	sources map[string]chan interface{}
	calls   atomic.Int64
	events  *eventLog
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{sources: map[string]chan interface{}{}, events: &eventLog{}}
}

func (e *fakeExecutor) source(name string) chan interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.sources[name]
	if !ok {
		ch = make(chan interface{})
		e.sources[name] = ch
	}
	return ch
}

func (e *fakeExecutor) Execute(ctx context.Context, params *ws.OperationParams) (*ws.Execution, error) {
	e.calls.Add(1)
	e.events.add("exec:" + params.Query)

	kind, arg, _ := strings.Cut(params.Query, ":")
	switch kind {
	case "value":
		return ws.Immediate(&ws.OperationResult{Data: map[string]interface{}{"value": arg}}), nil
	case "pending":
		return ws.Pending(func(ctx context.Context) (*ws.OperationResult, error) {
			return &ws.OperationResult{Data: map[string]interface{}{"value": arg}}, nil
		}), nil
	case "partial":
		return ws.Immediate(&ws.OperationResult{
			Data:   map[string]interface{}{"value": nil},
			Errors: []ws.ResultError{{Message: "partly broken"}},
		}), nil
	case "errors":
		return ws.Immediate(ws.ErrorResult(errors.New("all broken"))), nil
	case "empty":
		return ws.Immediate(&ws.OperationResult{}), nil
	case "fail":
		return nil, errors.New(arg)
	case "panic":
		panic(arg)
	case "items":
		values := strings.Split(arg, ",")
		return ws.Streaming(ws.NewStream(ctx, func(ctx context.Context, yield func(*ws.OperationResult) bool) error {
			for _, v := range values {
				if !yield(&ws.OperationResult{Data: v}) {
					return nil
				}
			}
			return nil
		})), nil
	case "broken":
		return ws.Streaming(ws.NewStream(ctx, func(ctx context.Context, yield func(*ws.OperationResult) bool) error {
			yield(&ws.OperationResult{Data: "first"})
			return errors.New(arg)
		})), nil
	case "source":
		return ws.Streaming(ws.ToStream(ctx, e.source(arg), func(v interface{}) (*ws.OperationResult, error) {
			return &ws.OperationResult{Data: v}, nil
		})), nil
	case "context":
		return ws.Immediate(&ws.OperationResult{Data: map[string]interface{}{
			"user":    ctx.Value(userKey{}),
			"context": params.Context,
		}}), nil
	}

	return nil, fmt.Errorf("unknown query %q", params.Query)
}

type userKey struct{}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type harness struct {
	pipe     *wstest.Pipe
	executor *fakeExecutor
	done     chan error
}

func serve(t *testing.T, requestContext interface{}, opts ...ws.Option) *harness {
	t.Helper()

	h := &harness{
		pipe:     wstest.NewPipe(),
		executor: newFakeExecutor(),
		done:     make(chan error, 1),
	}

	opts = append([]ws.Option{
		ws.WithOnOperationComplete(func(_ context.Context, id ws.MessageID) {
			h.executor.events.add("done:" + string(id))
		}),
	}, opts...)
	server := ws.NewServer(h.executor, opts...)

	go func() {
		h.done <- server.Serve(context.Background(), h.pipe.Server(), requestContext)
	}()

	t.Cleanup(func() {
		h.pipe.CloseClient()
		h.wait(t)
	})

	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()

	select {
	case err := <-h.done:
		h.done <- err
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	h.pipe.Send(t, `{"type":"connection_init","payload":{}}`)
	h.pipe.Expect(t, ws.GQL_CONNECTION_ACK)
}

func (h *harness) start(t *testing.T, id, query string) {
	t.Helper()
	h.pipe.Send(t, map[string]interface{}{
		"type":    "start",
		"id":      id,
		"payload": map[string]interface{}{"query": query},
	})
}

func (h *harness) stop(t *testing.T, id string) {
	t.Helper()
	h.pipe.Send(t, map[string]interface{}{"type": "stop", "id": id})
}

// completions waits for n operations to have been cleaned up.
func (h *harness) completions(t *testing.T, n int) []string {
	t.Helper()

	var done []string
	require.Eventually(t, func() bool {
		done = done[:0]
		for _, e := range h.executor.events.list() {
			if strings.HasPrefix(e, "done:") {
				done = append(done, e)
			}
		}
		return len(done) >= n
	}, time.Second, 5*time.Millisecond)

	return done
}

func payload(t *testing.T, msg *ws.OperationMessage) map[string]json.RawMessage {
	t.Helper()

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &fields))
	return fields
}

func result(t *testing.T, msg *ws.OperationMessage) *ws.OperationResult {
	t.Helper()

	var r ws.OperationResult
	require.NoError(t, json.Unmarshal(msg.Payload, &r))
	return &r
}

func errorMessage(t *testing.T, msg *ws.OperationMessage) string {
	t.Helper()

	var p ws.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p.Message
}

func expectOp(t *testing.T, h *harness, typ ws.MessageType, id string) *ws.OperationMessage {
	t.Helper()

	msg := h.pipe.Expect(t, typ)
	require.NotNil(t, msg.ID, "%s message without id", typ)
	assert.Equal(t, ws.MessageID(id), *msg.ID)
	return msg
}

func TestSingleResult(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "value:hello")
	data := expectOp(t, h, ws.GQL_DATA, "1")
	assert.Equal(t, map[string]interface{}{"value": "hello"}, result(t, data).Data)
	expectOp(t, h, ws.GQL_COMPLETE, "1")

	h.start(t, "2", "pending:later")
	data = expectOp(t, h, ws.GQL_DATA, "2")
	assert.Equal(t, map[string]interface{}{"value": "later"}, result(t, data).Data)
	expectOp(t, h, ws.GQL_COMPLETE, "2")

	assert.ElementsMatch(t, []string{"done:1", "done:2"}, h.completions(t, 2))
}

func TestReplacingAnOperation(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "source:never")
	require.Eventually(t, func() bool { return h.executor.calls.Load() == 1 }, time.Second, time.Millisecond)

	h.start(t, "1", "value:second")
	data := expectOp(t, h, ws.GQL_DATA, "1")
	assert.Equal(t, map[string]interface{}{"value": "second"}, result(t, data).Data)
	expectOp(t, h, ws.GQL_COMPLETE, "1")
	h.pipe.Quiet(t, quiet)

	h.completions(t, 2)
	assert.Equal(t, []string{"exec:source:never", "done:1", "exec:value:second", "done:1"}, h.executor.events.list())
}

func TestUnknownMessageType(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.pipe.Send(t, `{"id":"9","type":"bogus"}`)
	msg := expectOp(t, h, ws.GQL_ERROR, "9")
	assert.Equal(t, "Invalid message type: bogus", errorMessage(t, msg))

	h.pipe.Quiet(t, quiet)
	assert.Zero(t, h.executor.calls.Load())
}

func TestStreamLifecycle(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "items:a,b")
	assert.Equal(t, "a", result(t, expectOp(t, h, ws.GQL_DATA, "1")).Data)
	assert.Equal(t, "b", result(t, expectOp(t, h, ws.GQL_DATA, "1")).Data)
	expectOp(t, h, ws.GQL_COMPLETE, "1")

	assert.Equal(t, []string{"done:1"}, h.completions(t, 1))

	// the operation is gone, so stopping it is silent
	h.stop(t, "1")
	h.pipe.Quiet(t, quiet)
}

func TestStopMidStream(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "source:ten")
	source := h.executor.source("ten")

	source <- 1
	expectOp(t, h, ws.GQL_DATA, "1")
	source <- 2
	expectOp(t, h, ws.GQL_DATA, "1")

	h.stop(t, "1")

	// the source keeps being drained so the producer never blocks
	for i := 3; i <= 10; i++ {
		select {
		case source <- i:
		case <-time.After(time.Second):
			t.Fatalf("producer blocked on item %d", i)
		}
	}
	close(source)

	h.completions(t, 1)

	late := 0
	for h.pipe.Pending() > 0 {
		msg := h.pipe.Next(t, quiet)
		assert.Equal(t, ws.GQL_DATA, msg.Type)
		late++
	}
	assert.LessOrEqual(t, late, 1)
	h.pipe.Quiet(t, quiet)
}

func TestStopUnknownOperation(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.stop(t, "nope")
	h.pipe.Send(t, `{"type":"stop"}`)
	h.pipe.Quiet(t, quiet)
}

func TestPartialFailure(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "partial")
	fields := payload(t, expectOp(t, h, ws.GQL_DATA, "1"))
	assert.Contains(t, fields, "data")
	assert.JSONEq(t, `[{"message":"partly broken"}]`, string(fields["errors"]))
	expectOp(t, h, ws.GQL_COMPLETE, "1")

	h.start(t, "2", "errors")
	fields = payload(t, expectOp(t, h, ws.GQL_DATA, "2"))
	assert.NotContains(t, fields, "data")
	assert.JSONEq(t, `[{"message":"all broken"}]`, string(fields["errors"]))
	expectOp(t, h, ws.GQL_COMPLETE, "2")
}

func TestEmptyResultIsNotSent(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "empty")
	expectOp(t, h, ws.GQL_COMPLETE, "1")
}

func TestConnectionTeardown(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	for _, id := range []string{"1", "2", "3"} {
		h.start(t, id, "source:"+id)
	}
	require.Eventually(t, func() bool { return h.executor.calls.Load() == 3 }, time.Second, time.Millisecond)

	h.pipe.CloseClient()
	h.wait(t)

	assert.ElementsMatch(t, []string{"done:1", "done:2", "done:3"}, h.completions(t, 3))
	assert.Zero(t, h.pipe.SendsAfterClose())

	for _, id := range []string{"1", "2", "3"} {
		select {
		case h.executor.source(id) <- "late":
		case <-time.After(time.Second):
			t.Fatalf("source %s is no longer drained", id)
		}
	}
}

func TestConnectHookRejection(t *testing.T) {
	release := make(chan struct{})

	h := serve(t, nil, ws.WithOnConnect(func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
		<-release
		return nil, errors.New("forbidden")
	}))

	h.pipe.Send(t, `{"type":"connection_init","payload":{"authToken":"nope"}}`)
	h.start(t, "1", "value:early")
	close(release)

	msg := h.pipe.Expect(t, ws.GQL_CONNECTION_ERROR)
	assert.Nil(t, msg.ID)
	assert.Equal(t, "forbidden", errorMessage(t, msg))

	h.wait(t)
	assert.Equal(t, ws.CloseInternalError, h.pipe.CloseCode())
	assert.Zero(t, h.pipe.Pending())
	assert.Zero(t, h.executor.calls.Load())
}

func TestConnectionTerminate(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.pipe.Send(t, `{"type":"connection_terminate"}`)
	h.wait(t)
	assert.Equal(t, ws.CloseInternalError, h.pipe.CloseCode())
}

func TestStartWaitsForHandshake(t *testing.T) {
	release := make(chan struct{})

	h := serve(t, nil, ws.WithOnConnect(func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
		<-release
		return context.WithValue(ctx, userKey{}, "alice"), nil
	}))

	h.pipe.Send(t, `{"type":"connection_init","payload":{}}`)
	h.start(t, "1", "context")
	h.pipe.Quiet(t, quiet)
	assert.Zero(t, h.executor.calls.Load())

	close(release)
	h.pipe.Expect(t, ws.GQL_CONNECTION_ACK)
	data := result(t, expectOp(t, h, ws.GQL_DATA, "1"))
	assert.Equal(t, "alice", data.Data.(map[string]interface{})["user"])
	expectOp(t, h, ws.GQL_COMPLETE, "1")
}

func TestRepeatedInitLastOneWins(t *testing.T) {
	var n atomic.Int64

	h := serve(t, nil, ws.WithOnConnect(func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
		return context.WithValue(ctx, userKey{}, fmt.Sprintf("user-%d", n.Add(1))), nil
	}))

	h.init(t)
	h.init(t)

	h.start(t, "1", "context")
	data := result(t, expectOp(t, h, ws.GQL_DATA, "1"))
	assert.Equal(t, "user-2", data.Data.(map[string]interface{})["user"])
}

func TestRepeatedInitSlowHookDoesNotWin(t *testing.T) {
	h := serve(t, nil, ws.WithOnConnect(func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
		var params struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, err
		}
		if params.User == "first" {
			time.Sleep(150 * time.Millisecond)
		}
		return context.WithValue(ctx, userKey{}, params.User), nil
	}))

	h.pipe.Send(t, `{"type":"connection_init","payload":{"user":"first"}}`)
	h.pipe.Send(t, `{"type":"connection_init","payload":{"user":"second"}}`)
	h.pipe.Expect(t, ws.GQL_CONNECTION_ACK)
	h.pipe.Expect(t, ws.GQL_CONNECTION_ACK)

	h.start(t, "1", "context")
	data := result(t, expectOp(t, h, ws.GQL_DATA, "1"))
	assert.Equal(t, "second", data.Data.(map[string]interface{})["user"])
}

func TestRejectedHandshakeDropsReplies(t *testing.T) {
	release := make(chan struct{})

	h := serve(t, nil, ws.WithOnConnect(func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
		<-release
		return nil, errors.New("forbidden")
	}))

	h.pipe.Send(t, `{"type":"connection_init","payload":{}}`)
	h.pipe.Send(t, `{"id":"9","type":"bogus"}`)
	h.pipe.Send(t, `not json`)
	h.pipe.Quiet(t, quiet)
	close(release)

	msg := h.pipe.Expect(t, ws.GQL_CONNECTION_ERROR)
	assert.Equal(t, "forbidden", errorMessage(t, msg))

	h.wait(t)
	assert.Equal(t, ws.CloseInternalError, h.pipe.CloseCode())
	assert.Zero(t, h.pipe.Pending())
}

func TestOperationContextMerge(t *testing.T) {
	h := serve(t, map[string]interface{}{"a": "request", "b": "request"})
	h.init(t)

	h.pipe.Send(t, `{"type":"start","id":"1","payload":{"query":"context","context":{"b":"payload"}}}`)
	data := result(t, expectOp(t, h, ws.GQL_DATA, "1"))
	assert.Equal(t,
		map[string]interface{}{"a": "request", "b": "payload"},
		data.Data.(map[string]interface{})["context"])
}

func TestInvalidStartPayload(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.pipe.Send(t, `{"type":"start","id":"1","payload":"{ base }"}`)
	msg := expectOp(t, h, ws.GQL_ERROR, "1")
	assert.Equal(t, "payload must be a dict", errorMessage(t, msg))

	h.pipe.Send(t, `{"type":"start","id":"2"}`)
	msg = expectOp(t, h, ws.GQL_ERROR, "2")
	assert.Equal(t, "payload must be a dict", errorMessage(t, msg))

	h.pipe.Send(t, `{"type":"start","id":"3","payload":{"variables":{}}}`)
	msg = expectOp(t, h, ws.GQL_ERROR, "3")
	assert.Contains(t, errorMessage(t, msg), "query")

	h.pipe.Send(t, `{"type":"start","id":"4","payload":{"query":42}}`)
	expectOp(t, h, ws.GQL_ERROR, "4")

	h.pipe.Quiet(t, quiet)
	assert.Zero(t, h.executor.calls.Load())
}

func TestMalformedMessage(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.pipe.Send(t, `not json`)
	msg := h.pipe.Expect(t, ws.GQL_ERROR)
	assert.Nil(t, msg.ID)

	h.pipe.Send(t, `[1,2,3]`)
	msg = h.pipe.Expect(t, ws.GQL_ERROR)
	assert.Equal(t, "Payload must be an object.", errorMessage(t, msg))

	// the session carries on
	h.start(t, "1", "value:still-here")
	expectOp(t, h, ws.GQL_DATA, "1")
	expectOp(t, h, ws.GQL_COMPLETE, "1")
}

func TestNumericIDs(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.pipe.Send(t, `{"type":"start","id":7,"payload":{"query":"value:seven"}}`)
	expectOp(t, h, ws.GQL_DATA, "7")
	expectOp(t, h, ws.GQL_COMPLETE, "7")
}

func TestExecutionErrors(t *testing.T) {
	h := serve(t, nil)
	h.init(t)

	h.start(t, "1", "fail:no executor for you")
	msg := expectOp(t, h, ws.GQL_ERROR, "1")
	assert.Equal(t, "no executor for you", errorMessage(t, msg))

	h.start(t, "2", "panic:boom")
	msg = expectOp(t, h, ws.GQL_ERROR, "2")
	assert.Equal(t, "execution panicked: boom", errorMessage(t, msg))

	h.start(t, "3", "broken:mid-stream")
	assert.Equal(t, "first", result(t, expectOp(t, h, ws.GQL_DATA, "3")).Data)
	msg = expectOp(t, h, ws.GQL_ERROR, "3")
	assert.Equal(t, "mid-stream", errorMessage(t, msg))

	// errors end the operation, no complete follows
	h.pipe.Quiet(t, quiet)
	h.completions(t, 3)
}

func TestKeepAlive(t *testing.T) {
	h := serve(t, nil, ws.WithKeepAlive(10*time.Millisecond))

	h.pipe.Send(t, `{"type":"connection_init"}`)
	h.pipe.Expect(t, ws.GQL_CONNECTION_ACK)
	h.pipe.Expect(t, ws.GQL_CONNECTION_KEEP_ALIVE)
	h.pipe.Expect(t, ws.GQL_CONNECTION_KEEP_ALIVE)
}

func TestOnOperationHook(t *testing.T) {
	seen := make(chan *ws.OperationParams, 1)

	h := serve(t, nil, ws.WithOnOperation(func(_ context.Context, id ws.MessageID, params *ws.OperationParams) {
		assert.Equal(t, ws.MessageID("1"), id)
		seen <- params
	}))
	h.init(t)

	h.pipe.Send(t, `{"type":"start","id":"1","payload":{"query":"value:x","operationName":"Named","variables":{"a":1}}}`)
	expectOp(t, h, ws.GQL_DATA, "1")

	params := <-seen
	assert.Equal(t, "value:x", params.Query)
	assert.Equal(t, "Named", params.OperationName)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, params.Variables)
}
