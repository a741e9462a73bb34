package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationRoundTrip(t *testing.T) {
	msg, err := NewInvocation("42", "EchoWithJsonFormat", "Hello")
	require.NoError(t, err)

	wire, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, RecordSeparator, wire[len(wire)-1])

	records, err := Split(wire)
	require.NoError(t, err)
	require.Len(t, records, 1)

	decoded, err := Decode(records[0])
	require.NoError(t, err)
	assert.Equal(t, TypeInvocation, decoded.Type)
	assert.Equal(t, "42", decoded.InvocationID)
	assert.Equal(t, "EchoWithJsonFormat", decoded.Target)

	arg, err := decoded.StringArgument(0)
	require.NoError(t, err)
	assert.Equal(t, "Hello", arg)
}

func TestEnvelopeShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  func(t *testing.T) Message
		want string
	}{
		{
			name: "completion with result",
			msg: func(t *testing.T) Message {
				m, err := NewCompletion("1", `{"recv": "abc"}`)
				require.NoError(t, err)
				return m
			},
			want: `{"type":3,"invocationId":"1","result":"{\"recv\": \"abc\"}"}`,
		},
		{
			name: "stream terminator",
			msg: func(t *testing.T) Message {
				m, err := NewCompletion("1", nil)
				require.NoError(t, err)
				return m
			},
			want: `{"type":3,"invocationId":"1"}`,
		},
		{
			name: "stream item",
			msg: func(t *testing.T) Message {
				m, err := NewStreamItem("1", "c")
				require.NoError(t, err)
				return m
			},
			want: `{"type":2,"invocationId":"1","item":"c"}`,
		},
		{
			name: "completion error",
			msg: func(*testing.T) Message {
				return NewCompletionError("1", "boom")
			},
			want: `{"type":3,"invocationId":"1","error":"boom"}`,
		},
		{
			name: "ping",
			msg: func(*testing.T) Message {
				return Message{Type: TypePing}
			},
			want: `{"type":6}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.msg(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\x1e", string(wire))
		})
	}
}

func TestPingMatchesEncodedMessage(t *testing.T) {
	wire, err := Encode(Message{Type: TypePing})
	require.NoError(t, err)
	assert.Equal(t, wire, Ping())
}

func TestSplitMultipleRecords(t *testing.T) {
	payload := []byte("{\"protocol\":\"json\",\"version\":1}\x1e{\"type\":6}\x1e")

	records, err := Split(payload)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, `{"protocol":"json","version":1}`, string(records[0]))
	assert.Equal(t, `{"type":6}`, string(records[1]))
}

func TestSplitIncomplete(t *testing.T) {
	_, err := Split([]byte(`{"type":6}`))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestSplitEmpty(t *testing.T) {
	records, err := Split(nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"target":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandshake(t *testing.T) {
	req, err := DecodeHandshake([]byte(`{"protocol": "json", "version" : 1}`))
	require.NoError(t, err)
	assert.NoError(t, req.Validate())

	assert.Error(t, HandshakeRequest{Protocol: "messagepack", Version: 1}.Validate())
	assert.Error(t, HandshakeRequest{Protocol: "json", Version: 2}.Validate())

	_, err = DecodeHandshake([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	ack, err := Encode(HandshakeResponse{})
	require.NoError(t, err)
	assert.Equal(t, "{}\x1e", string(ack))
}

func TestStringArgumentErrors(t *testing.T) {
	msg, err := NewInvocation("1", "Reverse", 12)
	require.NoError(t, err)

	_, err = msg.StringArgument(0)
	assert.Error(t, err)

	_, err = msg.StringArgument(1)
	assert.Error(t, err)
}
