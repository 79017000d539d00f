// Package wsbridge exposes the fan-out router over WebSocket. A
// client connects with its topic filters in the query string, gets a
// subscriber session, and receives matching messages as JSON frames.
// Heartbeats arrive either as pong frames or as explicit heartbeat
// messages; a client that stops sending both is reaped by the router.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/router"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Frame is the wire format for both directions. Server to client
// frames carry type "data"; client to server frames carry type
// "heartbeat" or "unsubscribe".
type Frame struct {
	Type      string         `json:"type"`
	Session   string         `json:"session,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Bridge is the WebSocket server in front of a Router.
type Bridge struct {
	port   int
	path   string
	router *router.Router
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a bridge serving the given path.
func New(port int, path string, r *router.Router, logger *slog.Logger) (*Bridge, error) {
	if port < 1 || port > 65535 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Bridge", "New",
			fmt.Sprintf("port %d out of range", port))
	}
	if path == "" {
		path = "/subscribe"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		port:   port,
		path:   path,
		router: r,
		logger: logger.With("component", "wsbridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}, nil
}

// Start runs the HTTP server in the background.
func (b *Bridge) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "start server")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(b.path, b.handleSubscribe)

	b.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", b.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	b.shutdown = make(chan struct{})
	b.running = true

	server := b.server
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("server failed", "error", err)
		}
	}()

	b.logger.Info("subscriber bridge listening", "port", b.port, "path", b.path)
	return nil
}

// Stop shuts the server down and waits for client goroutines.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.shutdown)
	server := b.server
	b.server = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("client goroutines did not exit before timeout")
	}

	if err != nil {
		return errors.Wrap(err, "Bridge", "Stop", "shutdown server")
	}
	return nil
}

// handleSubscribe upgrades the connection and binds it to a router
// session. Filters come from the "filters" query parameter as a
// comma-separated list; an optional "session" parameter names the
// session.
func (b *Bridge) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	filters := splitFilters(r.URL.Query().Get("filters"))
	if len(filters) == 0 {
		http.Error(w, "missing filters parameter", http.StatusBadRequest)
		return
	}

	session, err := b.router.Register(r.URL.Query().Get("session"), filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = b.router.Unregister(session.ID())
		b.logger.Error("upgrade failed", "error", err)
		return
	}

	b.wg.Add(2)
	go b.writeLoop(conn, session)
	go b.readLoop(conn, session)
}

func splitFilters(raw string) []string {
	if raw == "" {
		return nil
	}
	var filters []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, f)
		}
	}
	return filters
}

// writeLoop pushes session messages and periodic pings to the client.
// A write error or a closed session ends the connection.
func (b *Bridge) writeLoop(conn *websocket.Conn, session *router.Session) {
	defer b.wg.Done()
	defer func() {
		_ = b.router.Unregister(session.ID())
		_ = conn.Close()
	}()

	// First frame tells the client its session id for heartbeats over
	// a separate channel if it wants them.
	hello := Frame{Type: "subscribed", Session: session.ID()}
	if err := b.writeFrame(conn, hello); err != nil {
		return
	}

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-session.Messages():
			if !ok {
				return
			}
			ts := msg.Timestamp
			frame := Frame{Type: "data", Topic: msg.Topic, Payload: msg.Payload, Timestamp: &ts}
			if err := b.writeFrame(conn, frame); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) writeFrame(conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes client frames. Pongs and heartbeat frames both
// refresh the session; anything unparseable is ignored. Unregistering
// on exit closes the session channel, which in turn ends writeLoop.
func (b *Bridge) readLoop(conn *websocket.Conn, session *router.Session) {
	defer b.wg.Done()
	defer func() {
		_ = b.router.Unregister(session.ID())
		_ = conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		_ = b.router.Heartbeat(session.ID())
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "heartbeat":
			_ = b.router.Heartbeat(session.ID())
		case "unsubscribe":
			_ = b.router.Unregister(session.ID())
			return
		}
	}
}

// Deliver is a convenience for wiring the bridge as a fan-out target
// when the caller holds messages rather than a router reference.
func (b *Bridge) Deliver(msg message.Message) {
	b.router.Publish(msg)
}
