// Package protocol implements the JSON hub sub-protocol: records terminated by
// a 0x1E separator, a handshake exchange, and typed invocation envelopes.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordSeparator terminates every JSON record on the wire.
const RecordSeparator byte = 0x1E

// Name and Version are the only handshake values the relay accepts.
const (
	Name    = "json"
	Version = 1
)

var (
	// ErrMalformed reports a record that is not a valid envelope.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrIncomplete reports trailing bytes without a record separator.
	ErrIncomplete = errors.New("protocol: incomplete record")
)

// MessageType is the "type" discriminator of an envelope.
type MessageType int

const (
	TypeInvocation       MessageType = 1
	TypeStreamItem       MessageType = 2
	TypeCompletion       MessageType = 3
	TypeStreamInvocation MessageType = 4
	TypeCancelInvocation MessageType = 5
	TypePing             MessageType = 6
	TypeClose            MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeInvocation:
		return "invocation"
	case TypeStreamItem:
		return "stream_item"
	case TypeCompletion:
		return "completion"
	case TypeStreamInvocation:
		return "stream_invocation"
	case TypeCancelInvocation:
		return "cancel_invocation"
	case TypePing:
		return "ping"
	case TypeClose:
		return "close"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Message is the union of every envelope shape. Fields that do not apply to
// a type are left empty and omitted when encoded.
type Message struct {
	Type         MessageType       `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Item         json.RawMessage   `json:"item,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// HandshakeRequest opens a hub connection.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse acknowledges a handshake. An empty Error encodes as {}.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Split breaks a frame payload into records, stripping separators. A payload
// that does not end with a separator yields ErrIncomplete.
func Split(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if payload[len(payload)-1] != RecordSeparator {
		return nil, ErrIncomplete
	}

	parts := bytes.Split(payload[:len(payload)-1], []byte{RecordSeparator})
	records := make([][]byte, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		records = append(records, part)
	}
	return records, nil
}

// Frame appends the record separator to a JSON record.
func Frame(record []byte) []byte {
	out := make([]byte, 0, len(record)+1)
	out = append(out, record...)
	return append(out, RecordSeparator)
}

// Encode marshals v and terminates it with the record separator.
func Encode(v any) ([]byte, error) {
	record, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(record, RecordSeparator), nil
}

// Decode parses a single record, without separator, into a Message.
func Decode(record []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(record, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == 0 {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// DecodeHandshake parses a handshake request record.
func DecodeHandshake(record []byte) (HandshakeRequest, error) {
	var req HandshakeRequest
	if err := json.Unmarshal(record, &req); err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: handshake: %v", ErrMalformed, err)
	}
	return req, nil
}

// Validate reports whether the requested protocol is supported.
func (r HandshakeRequest) Validate() error {
	if r.Protocol != Name {
		return fmt.Errorf("the protocol '%s' is not supported", r.Protocol)
	}
	if r.Version != Version {
		return fmt.Errorf("the protocol '%s' version %d is not supported", r.Protocol, r.Version)
	}
	return nil
}

// NewInvocation builds an invocation envelope. An empty invocationID makes it
// a fire-and-forget call that expects no completion.
func NewInvocation(invocationID, target string, args ...any) (Message, error) {
	raw, err := marshalArguments(args)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeInvocation, InvocationID: invocationID, Target: target, Arguments: raw}, nil
}

// NewStreamInvocation builds a stream invocation envelope.
func NewStreamInvocation(invocationID, target string, args ...any) (Message, error) {
	raw, err := marshalArguments(args)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeStreamInvocation, InvocationID: invocationID, Target: target, Arguments: raw}, nil
}

// NewCompletion builds a completion carrying result. A nil result produces a
// completion without a result field, as used to terminate streams.
func NewCompletion(invocationID string, result any) (Message, error) {
	msg := Message{Type: TypeCompletion, InvocationID: invocationID}
	if result == nil {
		return msg, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, err
	}
	msg.Result = raw
	return msg, nil
}

// NewCompletionError builds a completion reporting a failed invocation.
func NewCompletionError(invocationID, errMsg string) Message {
	return Message{Type: TypeCompletion, InvocationID: invocationID, Error: errMsg}
}

// NewStreamItem builds a stream item envelope.
func NewStreamItem(invocationID string, item any) (Message, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeStreamItem, InvocationID: invocationID, Item: raw}, nil
}

// Ping returns the encoded keep-alive record {"type":6}.
func Ping() []byte {
	return Frame([]byte(`{"type":6}`))
}

// StringArgument decodes the i-th argument as a string.
func (m Message) StringArgument(i int) (string, error) {
	if i >= len(m.Arguments) {
		return "", fmt.Errorf("missing argument %d for '%s'", i, m.Target)
	}
	var s string
	if err := json.Unmarshal(m.Arguments[i], &s); err != nil {
		return "", fmt.Errorf("argument %d for '%s' is not a string: %w", i, m.Target, err)
	}
	return s, nil
}

func marshalArguments(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal argument: %w", err)
		}
		raw = append(raw, b)
	}
	return raw, nil
}
