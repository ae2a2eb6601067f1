package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// Subprotocol is the Sec-WebSocket-Protocol value negotiated for this protocol.
const Subprotocol = "graphql-ws"

// CloseInternalError is the close code used for both a rejected
// connection_init and an explicit connection_terminate.
const CloseInternalError = 1011

type MessageType string

const (
	GQL_CONNECTION_INIT       = MessageType("connection_init")
	GQL_CONNECTION_TERMINATE  = MessageType("connection_terminate")
	GQL_CONNECTION_ERROR      = MessageType("connection_error")
	GQL_CONNECTION_ACK        = MessageType("connection_ack")
	GQL_CONNECTION_KEEP_ALIVE = MessageType("ka")

	GQL_START    = MessageType("start")
	GQL_STOP     = MessageType("stop")
	GQL_DATA     = MessageType("data")
	GQL_ERROR    = MessageType("error")
	GQL_COMPLETE = MessageType("complete")
)

// Valid reports whether t is a message type a client may send.
func (t MessageType) Valid() bool {
	switch t {
	case GQL_CONNECTION_INIT, GQL_CONNECTION_TERMINATE, GQL_START, GQL_STOP:
		return true
	}
	return false
}

// MessageID identifies an operation within a session. Clients may send ids
// as JSON strings or numbers; numbers are kept as their decimal text.
type MessageID string

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("id must be a string or a number")
	}
	if _, err := strconv.ParseFloat(string(n), 64); err != nil {
		return errors.New("id must be a string or a number")
	}
	*id = MessageID(n.String())
	return nil
}

func idPtr(id MessageID) *MessageID { return &id }

type OperationMessage struct {
	Type MessageType `json:"type,omitempty"`
	ID   *MessageID  `json:"id,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectionParams map[string]interface{}

// OperationParams are the execution parameters built from a start payload.
type OperationParams struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Context       interface{}            `json:"context,omitempty"`
}

// ErrorPayload is the payload of error and connection_error messages.
type ErrorPayload struct {
	Message string `json:"message"`
}

// OnConnectFunc is called with the payload of every connection_init. The
// returned context carries values for operations started afterwards; an error
// rejects the connection.
type OnConnectFunc func(ctx context.Context, payload json.RawMessage) (context.Context, error)

// OnOperationFunc observes operations as they start.
type OnOperationFunc func(ctx context.Context, id MessageID, params *OperationParams)

// OnOperationCompleteFunc observes operations once they are removed.
type OnOperationCompleteFunc func(ctx context.Context, id MessageID)

type MessageReader interface {
	ReadMessage() (int, []byte, error)
}

type MessageWriter interface {
	WriteMessage(int, []byte) error
}

type MessageReaderWriter interface {
	MessageReader
	MessageWriter
}
