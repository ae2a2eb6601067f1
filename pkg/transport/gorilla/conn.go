// Package gorilla carries graphql-ws sessions over gorilla/websocket
// connections.
package gorilla

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

const DefaultWriteTimeout = 10 * time.Second

// Conn adapts a websocket connection to ws.Connection.
type Conn struct {
	conn *websocket.Conn

	writeTimeout time.Duration
	writeLock    sync.Mutex
	closed       atomic.Bool
}

func NewConn(conn *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

// Receive returns the next text or binary frame. Control frames are handled
// by gorilla. A closed connection reports ws.ErrConnectionClosed.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || isClosed(err) {
				c.closed.Store(true)
				return nil, ws.ErrConnectionClosed
			}
			return nil, err
		}

		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func isClosed(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if c.closed.Load() {
		return nil
	}

	deadline := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close sends a close frame with code and closes the underlying connection.
// Only the first call does anything.
func (c *Conn) Close(code int) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	// the peer may already be gone, the close frame is best effort
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(c.writeTimeout),
	)

	return c.conn.Close()
}
