// Package dispatch runs the per-connection receive loop: it registers the
// connection, decodes inbound frames into messages, hands them to a Hub and
// writes the results back on the same connection.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/broadcast"
	"github.com/Tyrowin/echorelay/internal/handlers"
	"github.com/Tyrowin/echorelay/internal/transport"
)

// Targets understood by the built-in hubs.
const (
	TargetEcho      = "EchoWithJsonFormat"
	TargetReverse   = "Reverse"
	TargetBroadcast = "OnBroadcast"
)

// targetUnknown is the metrics label for any target the hubs do not serve.
const targetUnknown = "unknown"

// targetLabel maps a peer-supplied target onto a fixed label set.
func targetLabel(target string) string {
	switch target {
	case TargetEcho, TargetReverse:
		return target
	default:
		return targetUnknown
	}
}

// ErrUnknownTarget is returned by a Hub for an operation it does not serve.
var ErrUnknownTarget = errors.New("unknown target")

// MessageKind tells plain text payloads apart from typed invocations.
type MessageKind int

const (
	KindText MessageKind = iota
	KindInvocation
	KindStreamInvocation
)

// InboundMessage is one decoded application message.
type InboundMessage struct {
	Kind         MessageKind
	Text         string
	InvocationID string
	Target       string
	Arguments    []json.RawMessage
}

// StringArgument decodes the i-th argument as a string.
func (m InboundMessage) StringArgument(i int) (string, error) {
	if i >= len(m.Arguments) {
		return "", fmt.Errorf("missing argument %d for '%s'", i, m.Target)
	}
	var s string
	if err := json.Unmarshal(m.Arguments[i], &s); err != nil {
		return "", fmt.Errorf("argument %d for '%s' is not a string", i, m.Target)
	}
	return s, nil
}

// Reply is what a Hub returns for a message. Exactly one of Value and Stream
// is used; a nil Value with a nil Stream means nothing to send back except an
// empty completion.
type Reply struct {
	Value  any
	Stream <-chan any
}

// Caller identifies the connection a hub callback runs for.
type Caller struct {
	ID     string
	Conn   transport.Conn
	Logger zerolog.Logger
}

// Hub is the capability set driven by the dispatcher. OnMessage runs on the
// connection's receive loop; a returned Stream is drained concurrently and
// must stop when ctx is cancelled.
type Hub interface {
	OnConnect(ctx context.Context, caller Caller) error
	OnDisconnect(ctx context.Context, caller Caller, cause error)
	OnMessage(ctx context.Context, caller Caller, msg InboundMessage) (Reply, error)
}

// EchoHub serves the echo and reversed stream operations.
type EchoHub struct {
	clock       clockwork.Clock
	streamDelay time.Duration
}

// NewEchoHub creates an EchoHub pacing reversed streams with streamDelay.
func NewEchoHub(clock clockwork.Clock, streamDelay time.Duration) *EchoHub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if streamDelay < 0 {
		streamDelay = handlers.DefaultStreamDelay
	}
	return &EchoHub{clock: clock, streamDelay: streamDelay}
}

func (h *EchoHub) OnConnect(_ context.Context, caller Caller) error {
	caller.Logger.Info().Msg("client connected")
	return nil
}

func (h *EchoHub) OnDisconnect(_ context.Context, caller Caller, cause error) {
	event := caller.Logger.Info()
	if cause != nil {
		event = event.Err(cause)
	}
	event.Msg("client disconnected")
}

func (h *EchoHub) OnMessage(ctx context.Context, caller Caller, msg InboundMessage) (Reply, error) {
	if msg.Kind == KindText {
		return Reply{Value: handlers.Echo(caller.Logger, msg.Text)}, nil
	}

	switch msg.Target {
	case TargetEcho:
		s, err := msg.StringArgument(0)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Value: handlers.Echo(caller.Logger, s)}, nil
	case TargetReverse:
		s, err := msg.StringArgument(0)
		if err != nil {
			return Reply{}, err
		}
		runes := handlers.ReversedStream(ctx, h.clock, caller.Logger, s, h.streamDelay)
		return Reply{Stream: mapStream(ctx, runes, func(r rune) any { return string(r) })}, nil
	default:
		return Reply{}, fmt.Errorf("%w '%s'", ErrUnknownTarget, msg.Target)
	}
}

// GroupHub is an EchoHub whose connections join a named group for their
// lifetime, so a broadcast can target the group.
type GroupHub struct {
	*EchoHub
	groups *broadcast.Groups
	group  string
}

// NewGroupHub wraps echo with membership in group.
func NewGroupHub(echo *EchoHub, groups *broadcast.Groups, group string) *GroupHub {
	return &GroupHub{EchoHub: echo, groups: groups, group: group}
}

func (h *GroupHub) OnConnect(ctx context.Context, caller Caller) error {
	h.groups.Add(h.group, caller.ID)
	caller.Logger.Debug().Str("group", h.group).Msg("joined group")
	return h.EchoHub.OnConnect(ctx, caller)
}

func (h *GroupHub) OnDisconnect(ctx context.Context, caller Caller, cause error) {
	h.groups.Remove(h.group, caller.ID)
	caller.Logger.Debug().Str("group", h.group).Msg("left group")
	h.EchoHub.OnDisconnect(ctx, caller, cause)
}

// mapStream converts a typed stream into the dispatcher's item stream. The
// output is closed when in is closed or ctx is done.
func mapStream[T any](ctx context.Context, in <-chan T, fn func(T) any) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- fn(v):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
