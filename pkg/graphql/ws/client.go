package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const textMessage = 1

// ErrClientClosed is returned once the underlying connection has gone away.
var ErrClientClosed = errors.New("ws: client connection closed")

type ClientOption func(*ClientChannel)

// idReader receives the frames of one operation. done is closed once the
// operation stops listening.
type idReader struct {
	in   chan<- *OperationMessage
	done chan struct{}
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *ClientChannel) { c.logger = logger }
}

// ClientChannel is the client side of the protocol. Results of each
// operation are delivered on their own channel.
type ClientChannel struct {
	ch     MessageReaderWriter
	read   <-chan *OperationMessage
	logger zerolog.Logger

	writeLock sync.Mutex

	idRead     map[MessageID]*idReader
	idReadLock sync.RWMutex

	done  chan struct{}
	ready atomic.Bool
}

func NewClientChannel(ctx context.Context, ch MessageReaderWriter, opts ...ClientOption) *ClientChannel {
	c := &ClientChannel{
		ch:     ch,
		logger: zerolog.Nop(),
		idRead: map[MessageID]*idReader{},
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	nonIDRead := make(chan *OperationMessage, 1)
	c.read = nonIDRead

	go c.filterDataMessages(ctx, OperationStream(ctx, ch, c.logger), nonIDRead)

	return c
}

func (c *ClientChannel) filterDataMessages(ctx context.Context, rawRead <-chan *OperationMessage, nonIDRead chan<- *OperationMessage) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-rawRead:
			if !ok {
				return
			}

			if op.ID == nil {
				if op.Type == GQL_CONNECTION_KEEP_ALIVE {
					continue
				}

				select {
				case nonIDRead <- op:
				default:
					c.logger.Debug().Str("type", string(op.Type)).Msg("nobody waiting for connection message, dropping")
				}
				continue
			}

			id := *op.ID

			c.idReadLock.RLock()
			reader, ok := c.idRead[id]
			c.idReadLock.RUnlock()

			if !ok {
				c.logger.Debug().Str("operation", string(id)).Str("type", string(op.Type)).Msg("no reader for id, dropping")
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-reader.done:
				c.logger.Debug().Str("operation", string(id)).Str("type", string(op.Type)).Msg("reader went away, dropping")
			case reader.in <- op:
			}
		}
	}
}

func (c *ClientChannel) registerIDReader(id MessageID, in chan<- *OperationMessage) error {
	c.idReadLock.Lock()
	defer c.idReadLock.Unlock()

	if _, ok := c.idRead[id]; ok {
		return fmt.Errorf("There is already a registered reader for %v", id)
	}

	c.idRead[id] = &idReader{in: in, done: make(chan struct{})}

	return nil
}

func (c *ClientChannel) unregisterIDReader(id MessageID) {
	c.idReadLock.Lock()
	defer c.idReadLock.Unlock()

	if reader, ok := c.idRead[id]; ok {
		delete(c.idRead, id)
		close(reader.done)
	}
}

func (c *ClientChannel) send(id *MessageID, typ MessageType, payload interface{}) error {
	msg, err := NewMessage(id, typ, payload)
	if err != nil {
		return err
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	return c.ch.WriteMessage(textMessage, data)
}

// Connect sends connection_init with params and waits for the server to
// acknowledge it.
func (c *ClientChannel) Connect(ctx context.Context, params ConnectionParams) error {
	var payload interface{}
	if params != nil {
		payload = params
	}

	if err := c.send(nil, GQL_CONNECTION_INIT, payload); err != nil {
		return fmt.Errorf("Sending init message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("receiving ack message: %w", ctx.Err())
		case <-c.done:
			return fmt.Errorf("receiving ack message: %w", ErrClientClosed)
		case op := <-c.read:
			switch op.Type {
			case GQL_CONNECTION_ACK:
				c.ready.Store(true)
				return nil
			case GQL_CONNECTION_ERROR, GQL_ERROR:
				var payload ErrorPayload
				json.Unmarshal(op.Payload, &payload)
				return fmt.Errorf("connection rejected: %s", payload.Message)
			default:
				return fmt.Errorf("Expected GQL_CONNECTION_ACK, but got %s", op.Type)
			}
		}
	}
}

// Operation starts params under a fresh id. The returned channel carries
// every result and is closed when the operation completes, fails or ctx is
// done, in which case the operation is stopped on the server.
func (c *ClientChannel) Operation(ctx context.Context, params OperationParams) (<-chan *OperationResult, error) {
	if !c.ready.Load() {
		return nil, fmt.Errorf("The client isn't connected")
	}

	id := MessageID(uuid.NewString())

	in := make(chan *OperationMessage)
	if err := c.registerIDReader(id, in); err != nil {
		return nil, err
	}

	if err := c.send(&id, GQL_START, params); err != nil {
		c.unregisterIDReader(id)
		return nil, fmt.Errorf("Sending start message: %w", err)
	}

	out := make(chan *OperationResult)

	go func() {
		defer close(out)
		defer c.unregisterIDReader(id)

		deliver := func(result *OperationResult) bool {
			select {
			case <-ctx.Done():
				c.stop(id)
				return false
			case out <- result:
				return true
			}
		}

		for {
			select {
			case <-ctx.Done():
				c.stop(id)
				return
			case <-c.done:
				return
			case msg := <-in:
				switch msg.Type {
				case GQL_COMPLETE:
					return
				case GQL_DATA:
					var result OperationResult
					if err := json.Unmarshal(msg.Payload, &result); err != nil {
						c.logger.Warn().Err(err).Str("operation", string(id)).Msg("invalid data payload")
						continue
					}
					if !deliver(&result) {
						return
					}
				case GQL_ERROR:
					var payload ErrorPayload
					json.Unmarshal(msg.Payload, &payload)
					deliver(&OperationResult{Errors: []ResultError{{Message: payload.Message}}})
					return
				default:
					c.logger.Debug().Str("operation", string(id)).Str("type", string(msg.Type)).Msg("message of unknown type")
				}
			}
		}
	}()

	return out, nil
}

func (c *ClientChannel) stop(id MessageID) {
	if err := c.send(&id, GQL_STOP, nil); err != nil {
		c.logger.Debug().Err(err).Str("operation", string(id)).Msg("failed to send stop")
	}
}

// Close sends connection_terminate and waits, up to ctx, for the server to
// close the connection.
func (c *ClientChannel) Close(ctx context.Context) error {
	if err := c.send(nil, GQL_CONNECTION_TERMINATE, nil); err != nil {
		return fmt.Errorf("Sending terminate message: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for close: %w", ctx.Err())
	case <-c.done:
		return nil
	}
}

// Done is closed once the connection has gone away.
func (c *ClientChannel) Done() <-chan struct{} {
	return c.done
}
