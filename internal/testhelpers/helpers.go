// Package testhelpers provides common utilities shared by the relay tests:
// starting an in-process relay, dialing it, and reading and writing
// envelopes.
package testhelpers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/protocol"
	"github.com/Tyrowin/relay/internal/server"
)

// TestOrigin is the origin the default configuration allows.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every helper read.
const ReadTimeout = 3 * time.Second

// DiscardLogger drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Relay is a running in-process relay.
type Relay struct {
	Server *server.Server
	HTTP   *httptest.Server
	WSURL  string
}

// StartRelay starts a hub and an HTTP test server for cfg. Both are stopped
// when the test ends.
func StartRelay(t *testing.T, cfg server.Config) *Relay {
	t.Helper()

	srv := server.New(cfg, DiscardLogger())
	go srv.Hub().Run()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Hub().Shutdown(2 * time.Second)
		ts.Close()
	})

	return &Relay{
		Server: srv,
		HTTP:   ts,
		WSURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// ConnectWebSocket dials url with the allowed test origin.
func ConnectWebSocket(url string) (*websocket.Conn, *http.Response, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url sending origin, or no Origin header
// when origin is empty.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url and reads the private welcome, which it returns.
func MustConnect(t *testing.T, url string) (*websocket.Conn, protocol.Envelope) {
	t.Helper()

	conn, _, err := ConnectWebSocket(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	welcome := ReadEnvelope(t, conn)
	require.Equal(t, protocol.KindSystem, welcome.Kind)
	return conn, welcome
}

// SendChat writes an inbound chat frame.
func SendChat(t *testing.T, conn *websocket.Conn, content, sender string) {
	t.Helper()

	frame, err := protocol.EncodeChat(content, sender)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// SendRawMessage sends a raw text frame.
func SendRawMessage(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// ReadEnvelope reads and decodes the next frame, failing the test after
// ReadTimeout.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	env, err := TryReadEnvelope(conn, ReadTimeout)
	require.NoError(t, err)
	return env
}

// TryReadEnvelope reads the next frame within timeout.
func TryReadEnvelope(conn *websocket.Conn, timeout time.Duration) (protocol.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Envelope{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// ExpectNoMessage asserts nothing arrives on conn within wait.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	env, err := TryReadEnvelope(conn, wait)
	require.Error(t, err, "unexpected message: %v", env)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// Eventually polls cond until it holds or ReadTimeout elapses.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, ReadTimeout, 10*time.Millisecond, msg)
}
