// Package transport defines the duplex connection contract consumed by the
// relay core together with the frame kinds and connection states it exposes.
package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned when sending on a connection that is no longer open.
var ErrClosed = errors.New("transport: connection closed")

// FrameKind classifies a received or sent frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Close status codes used by the relay. They match RFC 6455 section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseInternalServerErr       = 1011
)

// Frame is a single unit exchanged over a Conn. CloseCode and CloseReason are
// only meaningful for FrameClose.
type Frame struct {
	Kind        FrameKind
	Payload     []byte
	CloseCode   int
	CloseReason string
}

// Text builds a text frame.
func Text(payload []byte) Frame {
	return Frame{Kind: FrameText, Payload: payload}
}

// State is the observable lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the duplex connection handle the core consumes. Implementations
// serialize Send calls so frames reach the peer in the order they were issued
// by any single caller. Close is idempotent.
type Conn interface {
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, frame Frame) error
	Close(code int, reason string) error
	State() State
	RemoteAddr() string
}

// IsExpectedCloseError reports whether err is the kind of error produced by
// an already torn down connection.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
