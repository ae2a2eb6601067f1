package gorilla

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

type DialOptions struct {
	Origin string
	Header http.Header
	Logger zerolog.Logger
}

// Dial connects to a graphql-ws endpoint and returns a client channel over
// it. The connection is not initialised, call Connect on the channel.
func Dial(ctx context.Context, url string, opts DialOptions) (*ws.ClientChannel, *websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols: []string{ws.Subprotocol},
	}

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = v
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	return ws.NewClientChannel(ctx, conn, ws.WithClientLogger(opts.Logger)), conn, nil
}
