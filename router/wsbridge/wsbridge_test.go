package wsbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/router"
)

func newBridge(t *testing.T) (*Bridge, *router.Router, *httptest.Server) {
	t.Helper()

	r, err := router.New(config.Router{
		ReplaySize:        10,
		SessionQueueSize:  16,
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  3,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	b, err := New(8085, "/subscribe", r, nil)
	require.NoError(t, err)
	b.shutdown = make(chan struct{})
	t.Cleanup(func() { close(b.shutdown) })

	srv := httptest.NewServer(http.HandlerFunc(b.handleSubscribe))
	t.Cleanup(srv.Close)
	return b, r, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestNewValidatesPort(t *testing.T) {
	_, err := New(0, "/ws", nil, nil)
	require.Error(t, err)
	_, err = New(70000, "/ws", nil, nil)
	require.Error(t, err)
}

func TestSubscribeRequiresFilters(t *testing.T) {
	_, _, srv := newBridge(t)

	resp, err := http.Get(srv.URL + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeRejectsBadFilter(t *testing.T) {
	_, _, srv := newBridge(t)

	resp, err := http.Get(srv.URL + "/subscribe?filters=a/%23/b")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDataDelivery(t *testing.T) {
	_, r, srv := newBridge(t)

	conn := dial(t, srv, "filters=sensors/%23,alerts/%2B")

	hello := readFrame(t, conn)
	assert.Equal(t, "subscribed", hello.Type)
	assert.NotEmpty(t, hello.Session)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Publish(message.New("sensors/room1/temperature", map[string]any{"value": 23.5}, ts))
	r.Publish(message.New("other/topic", map[string]any{"x": 1.0}, ts))
	r.Publish(message.New("alerts/fire", map[string]any{"level": "high"}, ts))

	frame := readFrame(t, conn)
	assert.Equal(t, "data", frame.Type)
	assert.Equal(t, "sensors/room1/temperature", frame.Topic)
	assert.Equal(t, 23.5, frame.Payload["value"])
	require.NotNil(t, frame.Timestamp)
	assert.True(t, frame.Timestamp.Equal(ts))

	frame = readFrame(t, conn)
	assert.Equal(t, "alerts/fire", frame.Topic)
}

func TestHeartbeatFrameKeepsSessionAlive(t *testing.T) {
	_, r, srv := newBridge(t)

	conn := dial(t, srv, "filters=%23&session=hb-test")
	readFrame(t, conn) // hello

	require.NoError(t, conn.WriteJSON(Frame{Type: "heartbeat"}))

	// The session is still registered after the heartbeat.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.SessionCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, r.SessionCount())
}

func TestUnsubscribeFrameRemovesSession(t *testing.T) {
	_, r, srv := newBridge(t)

	conn := dial(t, srv, "filters=%23&session=bye-test")
	readFrame(t, conn) // hello
	require.Equal(t, 1, r.SessionCount())

	require.NoError(t, conn.WriteJSON(Frame{Type: "unsubscribe"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.SessionCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, r.SessionCount())
}

func TestDisconnectUnregisters(t *testing.T) {
	_, r, srv := newBridge(t)

	conn := dial(t, srv, "filters=%23&session=drop-test")
	readFrame(t, conn) // hello
	require.Equal(t, 1, r.SessionCount())

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.SessionCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, r.SessionCount())
}
