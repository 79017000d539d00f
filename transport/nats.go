package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/topic"
)

// natsTransport bridges topic-addressed telemetry onto NATS subjects.
// Reconnection is handled by the nats client itself; subscriptions are
// server-side durable across reconnects, so the restore callback only
// reports the event.
type natsTransport struct {
	cfg    config.Transport
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *nats.Conn
	subs      map[string]*nats.Subscription
	onLost    func(error)
	onRestore func()
}

func newNATS(cfg config.Transport, logger *slog.Logger) (*natsTransport, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "natsTransport", "newNATS", "server url")
	}
	return &natsTransport{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

func (t *natsTransport) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(t.handleDisconnect),
		nats.ReconnectHandler(t.handleReconnect),
	}
	if t.cfg.ClientID != "" {
		opts = append(opts, nats.Name(t.cfg.ClientID))
	}
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(t.cfg.BrokerURL, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return errors.WrapTransient(err, "natsTransport", "Connect", "establish connection")
		}
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "natsTransport", "Connect", "connection cancelled")
	}
}

func (t *natsTransport) handleDisconnect(_ *nats.Conn, err error) {
	t.mu.RLock()
	lost := t.onLost
	t.mu.RUnlock()

	t.logger.Warn("connection lost", "error", err)
	if lost != nil {
		go lost(err)
	}
}

func (t *natsTransport) handleReconnect(_ *nats.Conn) {
	t.mu.RLock()
	restore := t.onRestore
	n := len(t.subs)
	t.mu.RUnlock()

	t.logger.Info("connection restored", "subscriptions", n)
	if restore != nil {
		go restore()
	}
}

func (t *natsTransport) Subscribe(filter string, _ byte, handler Handler) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return errors.WrapInvalid(err, "natsTransport", "Subscribe", "validate filter")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || !t.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "natsTransport", "Subscribe", "subscribe "+filter)
	}

	sub, err := t.conn.Subscribe(topicToSubject(filter), func(msg *nats.Msg) {
		handler(subjectToTopic(msg.Subject), msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "natsTransport", "Subscribe", "subscribe "+filter)
	}

	if old, ok := t.subs[filter]; ok {
		_ = old.Unsubscribe()
	}
	t.subs[filter] = sub
	return nil
}

func (t *natsTransport) Unsubscribe(filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[filter]
	if !ok {
		return nil
	}
	delete(t.subs, filter)
	if err := sub.Unsubscribe(); err != nil {
		return errors.WrapTransient(err, "natsTransport", "Unsubscribe", "unsubscribe "+filter)
	}
	return nil
}

func (t *natsTransport) Publish(_ context.Context, tp string, _ byte, payload []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "natsTransport", "Publish", "publish "+tp)
	}
	if err := conn.Publish(topicToSubject(tp), payload); err != nil {
		return errors.WrapTransient(err, "natsTransport", "Publish", "publish "+tp)
	}
	return nil
}

func (t *natsTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *natsTransport) OnConnectionLost(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = fn
}

func (t *natsTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRestore = fn
}

// Close drains the connection so in-flight messages finish delivery.
func (t *natsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = make(map[string]*nats.Subscription)

	err := t.conn.Drain()
	t.conn = nil
	if err != nil {
		return errors.Wrap(err, "natsTransport", "Close", "drain connection")
	}
	return nil
}
