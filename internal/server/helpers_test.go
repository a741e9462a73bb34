package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/echorelay/internal/client"
	"github.com/Tyrowin/echorelay/internal/config"
	"github.com/Tyrowin/echorelay/internal/server"
)

const (
	testOrigin  = "http://localhost:8080"
	testTimeout = 5 * time.Second
)

type testEnv struct {
	relay *server.Server
	http  *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...server.Option) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Hub.StreamDelay = 0
	cfg.RateLimit.Burst = 100
	if mutate != nil {
		mutate(&cfg)
	}
	cfg, err := config.Sanitize(cfg)
	require.NoError(t, err)

	relay := server.New(cfg, zerolog.Nop(), opts...)
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = relay.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{relay: relay, http: ts}
}

func newFakeClockEnv(t *testing.T, clock clockwork.Clock, mutate func(*config.Config)) *testEnv {
	t.Helper()
	return newTestEnv(t, mutate, server.WithClock(clock))
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

// dialRaw opens a WebSocket with the allowed origin.
func (e *testEnv) dialRaw(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, err := e.tryDial(path, testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) tryDial(path, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: testTimeout}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(e.wsURL(path), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (e *testEnv) dialHub(t *testing.T) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	c, err := client.Dial(ctx, e.wsURL("/ws"), client.Options{Origin: testOrigin, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *testEnv) waitForConnections(t *testing.T, hub, raw int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h, r := e.relay.ConnectionCount()
		return h == hub && r == raw
	}, testTimeout, 10*time.Millisecond)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(payload)
}

func writeText(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// readClose reads until the server closes the connection and returns the
// close error.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return closeErr
	}
}

func makeRequest(t *testing.T, method, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	httpClient := &http.Client{
		Timeout: testTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
