// Package testhelpers provides common utilities and helper functions for testing the relay.
//
// It starts in-process relays, dials WebSocket clients, and reads named events
// so that server and session tests share one set of primitives.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/gorilla/websocket"
)

// StartRelay runs a relay on an httptest server and returns it with its
// WebSocket URL. customize may adjust the default configuration.
func StartRelay(t *testing.T, customize func(cfg *server.Config)) (*server.Server, *httptest.Server, string) {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}

	srv := server.New(cfg)
	srv.StartHub()
	testServer := httptest.NewServer(srv.SetupRoutes())

	t.Cleanup(func() {
		testServer.Close()
		if err := srv.Hub().Shutdown(2 * time.Second); err != nil {
			t.Logf("hub shutdown: %v", err)
		}
	})

	return srv, testServer, WebSocketURL(testServer.URL)
}

// WebSocketURL converts an http(s) base URL into the relay's ws(s) endpoint.
func WebSocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// An empty origin sends no Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and fails the test on error. The connection is
// closed when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(url, "")
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one envelope to conn.
func SendEvent(conn *websocket.Conn, event string, payload any) error {
	frame, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// SendRawMessage sends a raw byte message over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
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

// EventReader reads envelopes from a connection, splitting frames that carry
// several newline-separated envelopes.
type EventReader struct {
	conn    *websocket.Conn
	pending []protocol.Envelope
}

// NewEventReader wraps conn.
func NewEventReader(conn *websocket.Conn) *EventReader {
	return &EventReader{conn: conn}
}

// Next returns the next envelope, waiting at most timeout for a frame. A
// timed-out connection cannot be read again.
func (r *EventReader) Next(timeout time.Duration) (protocol.Envelope, error) {
	for len(r.pending) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocol.Envelope{}, err
		}
		_, frame, err := r.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		envs, err := SplitFrame(frame)
		if err != nil {
			return protocol.Envelope{}, err
		}
		r.pending = envs
	}

	env := r.pending[0]
	r.pending = r.pending[1:]
	return env, nil
}

// ExpectMessage reads the next envelope, requires it to be receive_msg, and
// decodes its payload.
func (r *EventReader) ExpectMessage(t *testing.T, timeout time.Duration) protocol.Message {
	t.Helper()

	env, err := r.Next(timeout)
	if err != nil {
		t.Fatalf("Expected receive_msg, got error: %v", err)
	}
	if env.Event != protocol.EventReceiveMsg {
		t.Fatalf("Expected event %q, got %q", protocol.EventReceiveMsg, env.Event)
	}

	var msg protocol.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("Failed to decode receive_msg payload %s: %v", env.Data, err)
	}
	return msg
}

// ExpectNothing fails the test if any envelope arrives within timeout.
func (r *EventReader) ExpectNothing(t *testing.T, timeout time.Duration) {
	t.Helper()

	env, err := r.Next(timeout)
	if err == nil {
		t.Fatalf("Expected no event but received %q: %s", env.Event, env.Data)
	}
}

// SplitFrame decodes every envelope in a frame.
func SplitFrame(frame []byte) ([]protocol.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var envs []protocol.Envelope
	for {
		var env protocol.Envelope
		err := dec.Decode(&env)
		if errors.Is(err, io.EOF) {
			return envs, nil
		}
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("Condition not met within %s", timeout)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}
