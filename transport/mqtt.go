package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/topic"
)

// mqttTransport wraps the paho client. Reconnection is delegated to
// paho's auto-reconnect; the OnConnect handler replays the recorded
// subscriptions so filters survive a broker restart.
type mqttTransport struct {
	cfg    config.Transport
	logger *slog.Logger
	client mqtt.Client

	mu            sync.RWMutex
	subs          map[string]subscription
	onLost        func(error)
	onRestore     func()
	everConnected bool
}

type subscription struct {
	qos     byte
	handler Handler
}

func newMQTT(cfg config.Transport, logger *slog.Logger) (*mqttTransport, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "mqttTransport", "newMQTT", "broker url")
	}

	t := &mqttTransport{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectionLostHandler(t.handleConnectionLost).
		SetOnConnectHandler(t.handleConnect)

	t.client = mqtt.NewClient(opts)
	return t, nil
}

func (t *mqttTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "mqttTransport", "Connect", "wait for broker")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttTransport", "Connect", "connect to broker")
	}
	return nil
}

// handleConnect runs on both the first connect and every reconnect.
// On a reconnect it replays the recorded subscriptions and fires the
// restore callback.
func (t *mqttTransport) handleConnect(client mqtt.Client) {
	t.mu.Lock()
	reconnect := t.everConnected
	t.everConnected = true
	subs := make(map[string]subscription, len(t.subs))
	for f, s := range t.subs {
		subs[f] = s
	}
	restore := t.onRestore
	t.mu.Unlock()

	for filter, sub := range subs {
		if err := t.subscribe(client, filter, sub); err != nil {
			t.logger.Error("resubscribe failed", "filter", filter, "error", err)
		}
	}

	if !reconnect {
		return
	}
	t.logger.Info("connection restored", "subscriptions", len(subs))
	if restore != nil {
		restore()
	}
}

func (t *mqttTransport) handleConnectionLost(_ mqtt.Client, err error) {
	t.mu.RLock()
	lost := t.onLost
	t.mu.RUnlock()

	t.logger.Warn("connection lost", "error", err)
	if lost != nil {
		lost(err)
	}
}

func (t *mqttTransport) subscribe(client mqtt.Client, filter string, sub subscription) error {
	token := client.Subscribe(filter, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return errors.WrapTransient(token.Error(), "mqttTransport", "Subscribe", "subscribe "+filter)
	}
	return nil
}

func (t *mqttTransport) Subscribe(filter string, qos byte, handler Handler) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return errors.WrapInvalid(err, "mqttTransport", "Subscribe", "validate filter")
	}

	sub := subscription{qos: qos, handler: handler}

	t.mu.Lock()
	t.subs[filter] = sub
	t.mu.Unlock()

	if !t.client.IsConnected() {
		// Recorded for replay once the connection is up.
		return nil
	}
	return t.subscribe(t.client, filter, sub)
}

func (t *mqttTransport) Unsubscribe(filter string) error {
	t.mu.Lock()
	delete(t.subs, filter)
	t.mu.Unlock()

	if !t.client.IsConnected() {
		return nil
	}
	token := t.client.Unsubscribe(filter)
	if token.Wait() && token.Error() != nil {
		return errors.WrapTransient(token.Error(), "mqttTransport", "Unsubscribe", "unsubscribe "+filter)
	}
	return nil
}

func (t *mqttTransport) Publish(ctx context.Context, tp string, qos byte, payload []byte) error {
	if !t.client.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "mqttTransport", "Publish", "publish "+tp)
	}

	token := t.client.Publish(tp, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "mqttTransport", "Publish", "wait for broker ack")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttTransport", "Publish", "publish "+tp)
	}
	return nil
}

func (t *mqttTransport) Connected() bool {
	return t.client.IsConnected()
}

func (t *mqttTransport) OnConnectionLost(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = fn
}

func (t *mqttTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRestore = fn
}

func (t *mqttTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
