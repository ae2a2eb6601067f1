package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyMessage is returned by Encode for a message without id, type and
// payload. Reaching it means the caller built the message wrong.
var ErrEmptyMessage = errors.New("ws: a message needs at least one of id, type or payload")

var errNotObject = errors.New("Payload must be an object.")

// DecodeError reports an inbound message that could not be decoded. ID holds
// the message id when it could be recovered.
type DecodeError struct {
	ID  *MessageID
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one raw frame. Frames of an unknown type decode without error.
func Decode(raw []byte) (*OperationMessage, error) {
	trimmed := bytes.TrimSpace(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		if json.Valid(trimmed) {
			return nil, &DecodeError{Err: errNotObject}
		}
		return nil, &DecodeError{Err: fmt.Errorf("invalid message: %v", err)}
	}
	if fields == nil {
		// a literal null
		return nil, &DecodeError{Err: errNotObject}
	}

	return decodeFields(fields)
}

// DecodeObject builds a message from an already structured frame.
func DecodeObject(obj map[string]interface{}) (*OperationMessage, error) {
	fields := make(map[string]json.RawMessage, len(obj))
	for key, value := range obj {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("invalid %s: %v", key, err)}
		}
		fields[key] = data
	}

	return decodeFields(fields)
}

func decodeFields(fields map[string]json.RawMessage) (*OperationMessage, error) {
	msg := &OperationMessage{}

	if raw, ok := fields["id"]; ok && !isNull(raw) {
		var id MessageID
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, &DecodeError{Err: err}
		}
		msg.ID = &id
	}

	if raw, ok := fields["type"]; ok && !isNull(raw) {
		var typ string
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil, &DecodeError{ID: msg.ID, Err: errors.New("type must be a string")}
		}
		msg.Type = MessageType(typ)
	}

	if raw, ok := fields["payload"]; ok && !isNull(raw) {
		msg.Payload = raw
	}

	return msg, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Encode renders msg as a text frame.
func Encode(msg *OperationMessage) ([]byte, error) {
	if msg == nil || (msg.ID == nil && msg.Type == "" && len(msg.Payload) == 0) {
		return nil, ErrEmptyMessage
	}

	return json.Marshal(msg)
}

// NewMessage builds a message, marshalling payload unless it is nil.
func NewMessage(id *MessageID, typ MessageType, payload interface{}) (*OperationMessage, error) {
	msg := &OperationMessage{Type: typ, ID: id}

	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		msg.Payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		msg.Payload = data
	}

	return msg, nil
}
