package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrStreamCancelled is returned by Stream.Next once the stream was cancelled.
var ErrStreamCancelled = errors.New("ws: stream cancelled")

// Executor runs one operation. It is the only thing the protocol engine knows
// about the query language.
type Executor interface {
	Execute(ctx context.Context, params *OperationParams) (*Execution, error)
}

type ExecutorFunc func(ctx context.Context, params *OperationParams) (*Execution, error)

func (fn ExecutorFunc) Execute(ctx context.Context, params *OperationParams) (*Execution, error) {
	return fn(ctx, params)
}

// Execution is what an Executor hands back: a result, a result still being
// computed, or a stream of results.
type Execution struct {
	result *OperationResult
	await  func(context.Context) (*OperationResult, error)
	stream *Stream
}

func Immediate(result *OperationResult) *Execution {
	return &Execution{result: result}
}

func Pending(await func(context.Context) (*OperationResult, error)) *Execution {
	return &Execution{await: await}
}

func Streaming(s *Stream) *Execution {
	return &Execution{stream: s}
}

// Stream returns the result stream, or nil for single result executions.
func (e *Execution) Stream() *Stream {
	return e.stream
}

// Result returns the single result, awaiting it if needed.
func (e *Execution) Result(ctx context.Context) (*OperationResult, error) {
	switch {
	case e.stream != nil:
		return nil, errors.New("ws: execution is a stream")
	case e.await != nil:
		return e.await(ctx)
	default:
		return e.result, nil
	}
}

type streamEvent struct {
	result *OperationResult
	err    error
}

// Stream is a cancellable sequence of results. An error ends the stream.
type Stream struct {
	events    <-chan streamEvent
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewStream runs produce on its own goroutine. yield blocks until the
// consumer takes the result and reports false once the stream is cancelled,
// after which produce should return.
func NewStream(ctx context.Context, produce func(ctx context.Context, yield func(*OperationResult) bool) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan streamEvent)

	s := &Stream{events: events, cancel: cancel}

	go func() {
		defer close(events)
		defer func() {
			if ctx.Err() != nil {
				s.cancelled.Store(true)
			}
			cancel()
		}()

		yield := func(result *OperationResult) bool {
			select {
			case events <- streamEvent{result: result}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := safeProduce(ctx, produce, yield); err != nil && ctx.Err() == nil {
			select {
			case events <- streamEvent{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return s
}

func safeProduce(ctx context.Context, produce func(context.Context, func(*OperationResult) bool) error, yield func(*OperationResult) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream panicked: %v", r)
		}
	}()

	return produce(ctx, yield)
}

// Next blocks for the next result. It returns io.EOF when the stream ended,
// ErrStreamCancelled after Cancel and the producer's error if it failed.
func (s *Stream) Next(ctx context.Context) (*OperationResult, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.cancelled.Load() {
				return nil, ErrStreamCancelled
			}
			return nil, io.EOF
		}
		return ev.result, ev.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the producer. It is safe to call more than once.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// ToStream forwards the values of source as results. Once the stream stops
// early, source is drained until its producer closes it, so producers are
// never left blocked on a send.
func ToStream[T any](ctx context.Context, source <-chan T, convert func(T) (*OperationResult, error)) *Stream {
	return Subscribe(ctx, func(context.Context) (<-chan T, error) {
		return source, nil
	}, convert)
}

// Subscribe is ToStream for sources that should live exactly as long as the
// stream: open is called with the stream's context, so cancelling the stream
// reaches the producer too.
func Subscribe[T any](ctx context.Context, open func(context.Context) (<-chan T, error), convert func(T) (*OperationResult, error)) *Stream {
	return NewStream(ctx, func(ctx context.Context, yield func(*OperationResult) bool) error {
		source, err := open(ctx)
		if err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				go drain(source)
				return nil
			case value, ok := <-source:
				if !ok {
					return nil
				}

				result, err := convert(value)
				if err != nil {
					go drain(source)
					return err
				}

				if !yield(result) {
					go drain(source)
					return nil
				}
			}
		}
	})
}

func drain[T any](source <-chan T) {
	for range source {
	}
}
