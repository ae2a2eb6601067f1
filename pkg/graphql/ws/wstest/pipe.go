// Package wstest provides an in-memory connection for exercising the
// graphql-ws engine without a network.
package wstest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uswitch/subscriptions/pkg/graphql/ws"
)

const bufferSize = 1024

var ErrClosed = errors.New("wstest: pipe closed")

// Pipe joins a server side ws.Connection to a client side
// ws.MessageReaderWriter.
type Pipe struct {
	toServer chan []byte
	toClient chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	code      atomic.Int64

	sendsAfterClose atomic.Int64
}

func NewPipe() *Pipe {
	return &Pipe{
		toServer: make(chan []byte, bufferSize),
		toClient: make(chan []byte, bufferSize),
		closed:   make(chan struct{}),
	}
}

// Server returns the end handed to ws.Server.Serve.
func (p *Pipe) Server() ws.Connection {
	return &serverEnd{p}
}

func (p *Pipe) close(code int) {
	p.closeOnce.Do(func() {
		p.code.Store(int64(code))
		close(p.closed)
	})
}

// CloseClient closes the pipe from the client side, like a browser tab going
// away.
func (p *Pipe) CloseClient() {
	p.close(ws.CloseGoingAway)
}

func (p *Pipe) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// CloseCode is the code the pipe was closed with, or 0 while open.
func (p *Pipe) CloseCode() int {
	return int(p.code.Load())
}

// SendsAfterClose counts server sends attempted once the pipe was closed.
func (p *Pipe) SendsAfterClose() int {
	return int(p.sendsAfterClose.Load())
}

func (p *Pipe) WriteMessage(_ int, data []byte) error {
	if p.IsClosed() {
		return ErrClosed
	}

	select {
	case p.toServer <- data:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// ReadMessage returns frames the server sent before it closed the pipe
// ahead of reporting the close.
func (p *Pipe) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.toClient:
		return 1, data, nil
	default:
	}

	select {
	case data := <-p.toClient:
		return 1, data, nil
	case <-p.closed:
		select {
		case data := <-p.toClient:
			return 1, data, nil
		default:
			return 0, nil, ErrClosed
		}
	}
}

// Send writes v as a JSON frame to the server.
func (p *Pipe) Send(t testing.TB, v interface{}) {
	t.Helper()

	var data []byte
	switch raw := v.(type) {
	case string:
		data = []byte(raw)
	case []byte:
		data = raw
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("failed to marshal %v: %v", v, err)
		}
	}

	if err := p.WriteMessage(1, data); err != nil {
		t.Fatalf("failed to send %s: %v", data, err)
	}
}

// Next waits up to timeout for the next frame from the server.
func (p *Pipe) Next(t testing.TB, timeout time.Duration) *ws.OperationMessage {
	t.Helper()

	type read struct {
		data []byte
		err  error
	}
	ch := make(chan read, 1)
	go func() {
		_, data, err := p.ReadMessage()
		ch <- read{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("failed to read from pipe: %v", r.err)
		}
		msg, err := ws.Decode(r.data)
		if err != nil {
			t.Fatalf("server sent an undecodable frame %s: %v", r.data, err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("no message from server after %v", timeout)
	}
	return nil
}

// Expect reads the next frame and fails unless it has type typ.
func (p *Pipe) Expect(t testing.TB, typ ws.MessageType) *ws.OperationMessage {
	t.Helper()

	msg := p.Next(t, time.Second)
	if msg.Type != typ {
		t.Fatalf("expected a %s message, got %s (payload %s)", typ, msg.Type, msg.Payload)
	}
	return msg
}

// Quiet fails if the server sends anything within d.
func (p *Pipe) Quiet(t testing.TB, d time.Duration) {
	t.Helper()

	select {
	case data := <-p.toClient:
		t.Fatalf("expected no message, got %s", data)
	case <-time.After(d):
	}
}

// Pending is the number of frames sent by the server and not yet read.
func (p *Pipe) Pending() int {
	return len(p.toClient)
}

type serverEnd struct {
	p *Pipe
}

func (s *serverEnd) Receive(ctx context.Context) ([]byte, error) {
	if s.p.IsClosed() {
		return nil, ws.ErrConnectionClosed
	}

	select {
	case data := <-s.p.toServer:
		return data, nil
	case <-s.p.closed:
		return nil, ws.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *serverEnd) Send(ctx context.Context, data []byte) error {
	if s.p.IsClosed() {
		s.p.sendsAfterClose.Add(1)
		return nil
	}

	select {
	case s.p.toClient <- data:
		return nil
	case <-s.p.closed:
		s.p.sendsAfterClose.Add(1)
		return nil
	}
}

func (s *serverEnd) Closed() bool {
	return s.p.IsClosed()
}

func (s *serverEnd) Close(code int) error {
	s.p.close(code)
	return nil
}
