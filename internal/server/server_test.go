package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/echorelay/internal/client"
	"github.com/Tyrowin/echorelay/internal/config"
)

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := makeRequest(t, http.MethodGet, env.http.URL+"/", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Echo relay is running!", readBody(t, resp))

	env.dialRaw(t, "/ws/raw")
	env.dialHub(t)
	env.waitForConnections(t, 1, 1)

	resp = makeRequest(t, http.MethodGet, env.http.URL+"/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status      string `json:"status"`
		Connections struct {
			Hub int `json:"hub"`
			Raw int `json:"raw"`
		} `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Connections.Hub)
	assert.Equal(t, 1, health.Connections.Raw)
}

func TestTestPageAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := makeRequest(t, http.MethodGet, env.http.URL+"/test", nil, "")
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, readBody(t, resp), "/ws/raw")

	env.dialRaw(t, "/ws/raw")
	env.waitForConnections(t, 0, 1)

	resp = makeRequest(t, http.MethodGet, env.http.URL+"/metrics", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `echorelay_websocket_active_connections{mode="raw"} 1`)
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/ws", "/ws/raw"} {
		resp := makeRequest(t, http.MethodPost, env.http.URL+path, nil, "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}

func TestOriginValidation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example"}
	})

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "missing", origin: "", allowed: false},
		{name: "not listed", origin: "https://evil.example", allowed: false},
		{name: "malformed", origin: "not-a-url", allowed: false},
		{name: "listed", origin: "https://app.example", allowed: true},
		{name: "case insensitive", origin: "HTTPS://APP.EXAMPLE", allowed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := env.tryDial("/ws/raw", tt.origin)
			if tt.allowed {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
		})
	}
}

func TestWildcardOrigin(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"*"}
	})

	conn, err := env.tryDial("/ws/raw", "https://anything.example")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRawEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialRaw(t, "/ws/raw")

	writeText(t, conn, "abc")
	assert.Equal(t, `{"recv": "abc"}`, readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	writeText(t, conn, "next")
	assert.Equal(t, `{"recv": "next"}`, readText(t, conn))
}

func TestRawPeerCloseIsMirrored(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialRaw(t, "/ws/raw")
	env.waitForConnections(t, 0, 1)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "bye", closeErr.Text)
	env.waitForConnections(t, 0, 0)
}

func TestDuplicateConnectionIDRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.dialRaw(t, "/ws/raw?id=dup")
	env.waitForConnections(t, 0, 1)

	second := env.dialRaw(t, "/ws/raw?id=dup")
	closeErr := readClose(t, second)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	writeText(t, first, "still here")
	assert.Equal(t, `{"recv": "still here"}`, readText(t, first))
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 64
	})
	conn := env.dialRaw(t, "/ws/raw")
	env.waitForConnections(t, 0, 1)

	writeText(t, conn, strings.Repeat("x", 200))
	readClose(t, conn)
	env.waitForConnections(t, 0, 0)
}

func TestHubEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	reply, err := c.Echo(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, `{"recv": "abc"}`, reply)
}

func TestHubUnknownTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := c.Invoke(ctx, "Nope", "x")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "unknown target 'Nope'", remote.Message)

	// The connection survives.
	_, err = c.Echo(ctx, "ok")
	require.NoError(t, err)
}

func collect(t *testing.T, s *client.Stream) []string {
	t.Helper()
	var out []string
	timeout := time.After(testTimeout)
	for {
		select {
		case raw, ok := <-s.Items():
			if !ok {
				return out
			}
			var item string
			require.NoError(t, json.Unmarshal(raw, &item))
			out = append(out, item)
		case <-timeout:
			t.Fatal("timed out collecting stream")
			return nil
		}
	}
}

func TestHubReverseStream(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := c.Reverse(ctx, "héllo")
	require.NoError(t, err)
	assert.Equal(t, []string{"o", "l", "l", "é", "h"}, collect(t, s))
	assert.NoError(t, s.Err())
}

func TestHubReverseCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	env := newFakeClockEnv(t, clock, func(cfg *config.Config) {
		cfg.Hub.StreamDelay = time.Hour
	})
	c := env.dialHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := c.Reverse(ctx, "abc")
	require.NoError(t, err)

	select {
	case raw := <-s.Items():
		assert.JSONEq(t, `"c"`, string(raw))
	case <-time.After(testTimeout):
		t.Fatal("no first item")
	}

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, s.Cancel())
	assert.ErrorIs(t, s.Err(), context.Canceled)
	clock.Advance(2 * time.Hour)

	_, ok := <-s.Items()
	assert.False(t, ok)

	reply, err := c.Echo(ctx, "after cancel")
	require.NoError(t, err)
	assert.Equal(t, `{"recv": "after cancel"}`, reply)
}

func TestHubPingEchoedVerbatim(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialRaw(t, "/ws")

	writeText(t, conn, "{\"protocol\":\"json\",\"version\":1}\x1e")
	assert.Equal(t, "{}\x1e", readText(t, conn))

	writeText(t, conn, "{\"type\":6}\x1e")
	assert.Equal(t, "{\"type\":6}\x1e", readText(t, conn))
}

func TestHubHandshakeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialRaw(t, "/ws")

	writeText(t, conn, "{\"protocol\":\"messagepack\",\"version\":1}\x1e")
	assert.Equal(t, "{\"error\":\"the protocol 'messagepack' is not supported\"}\x1e", readText(t, conn))
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn).Code)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := client.Dial(ctx, env.wsURL("/ws/raw"), client.Options{Origin: testOrigin, HandshakeTimeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, client.ErrHandshake, "the raw endpoint does not speak the hub handshake")
}

func TestHubMalformedRecordClosesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialRaw(t, "/ws")

	writeText(t, conn, "{\"protocol\":\"json\",\"version\":1}\x1e")
	readText(t, conn)

	writeText(t, conn, "{not json}\x1e")
	assert.Equal(t, websocket.CloseInvalidFramePayloadData, readClose(t, conn).Code)
}

func TestHubRateLimit(t *testing.T) {
	env := newFakeClockEnv(t, clockwork.NewFakeClock(), func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
	})
	c := env.dialHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := c.Echo(ctx, "x")
		require.NoError(t, err)
	}
	_, err := c.Echo(ctx, "x")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "rate limit exceeded", remote.Message)
	require.NoError(t, c.Ping())
}

func TestAdminBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)

	received := make(chan string, 1)
	hubClient := env.dialHub(t)
	hubClient.OnBroadcast(func(message string) { received <- message })
	raw := env.dialRaw(t, "/ws/raw")
	env.waitForConnections(t, 1, 1)

	form := url.Values{"sendMessage": {"hello <all>"}}
	resp := makeRequest(t, http.MethodPost, env.http.URL+"/broadcast/send",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/broadcast", resp.Header.Get("Location"))

	select {
	case message := <-received:
		assert.Equal(t, "hello <all>", message)
	case <-time.After(testTimeout):
		t.Fatal("hub client did not receive broadcast")
	}
	assert.Equal(t, "hello <all>", readText(t, raw))

	assert.Equal(t, []string{"hello <all>"}, env.relay.History().Messages())
	resp = makeRequest(t, http.MethodGet, env.http.URL+"/broadcast", nil, "")
	assert.Contains(t, readBody(t, resp), "hello &lt;all&gt;")
}

func TestAdminBroadcastRequiresMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := makeRequest(t, http.MethodPost, env.http.URL+"/broadcast/send",
		strings.NewReader("sendMessage=+"), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.relay.History().Len())
}

func TestBroadcastWithNoClients(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.relay.Broadcast(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, res.Hub)
	assert.False(t, res.Raw)
	assert.Equal(t, 1, env.relay.History().Len())
}

func TestGroupVariantBroadcast(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Hub.Variant = config.HubGroup
		cfg.Hub.Group = "users"
	})

	received := make(chan string, 1)
	c := env.dialHub(t)
	c.OnBroadcast(func(message string) { received <- message })
	env.waitForConnections(t, 1, 0)

	res, err := env.relay.Broadcast(context.Background(), "to the group")
	require.NoError(t, err)
	assert.True(t, res.Hub)

	select {
	case message := <-received:
		assert.Equal(t, "to the group", message)
	case <-time.After(testTimeout):
		t.Fatal("group member did not receive broadcast")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	raw := env.dialRaw(t, "/ws/raw")
	hubClient := env.dialHub(t)
	env.waitForConnections(t, 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, env.relay.Shutdown(ctx))

	assert.Equal(t, websocket.CloseGoingAway, readClose(t, raw).Code)
	select {
	case <-hubClient.Done():
	case <-time.After(testTimeout):
		t.Fatal("hub client not closed by shutdown")
	}
	_, err := hubClient.Echo(ctx, "late")
	assert.True(t, errors.Is(err, client.ErrClosed))
}

func TestUpgradeRejectedAfterShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, env.relay.Shutdown(ctx))

	for _, path := range []string{"/ws", "/ws/raw"} {
		_, err := env.tryDial(path, testOrigin)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, path)
	}
	env.waitForConnections(t, 0, 0)
}
