package ws

import (
	"context"
	"errors"
)

const (
	CloseNormalClosure = 1000
	CloseGoingAway     = 1001
)

// ErrConnectionClosed is returned by Receive once the peer or the server has
// closed the connection.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Connection is one full duplex stream of text frames.
//
// Receive is only ever called by the session read loop. Send may be called
// from many goroutines and must serialize writes itself; after Close it is a
// no-op. Close is idempotent.
type Connection interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Closed() bool
	Close(code int) error
}
