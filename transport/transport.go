// Package transport abstracts the inbound message transport. Two
// implementations exist: an MQTT client speaking to a broker, and a
// NATS bridge that maps topic filters onto subject wildcards. Both
// deliver raw payload bytes with their topic to a handler and manage
// their own reconnection, reporting connection events through
// callbacks so the pipeline can track state and resubscribe counts.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
)

// Handler receives one inbound message. It runs on the transport's
// delivery goroutine and must not block.
type Handler func(topic string, payload []byte)

// Transport is an inbound message source.
type Transport interface {
	// Connect establishes the connection. It blocks until connected
	// or the context ends.
	Connect(ctx context.Context) error

	// Subscribe registers a handler for a topic filter. Subscriptions
	// survive reconnects.
	Subscribe(filter string, qos byte, handler Handler) error

	// Unsubscribe removes a previously registered filter.
	Unsubscribe(filter string) error

	// Publish sends a message. Used by the pipeline's outbound paths
	// (command responses, bridge forwarding).
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error

	// Connected reports whether the transport currently has a live
	// connection.
	Connected() bool

	// OnConnectionLost registers a callback fired when an established
	// connection drops.
	OnConnectionLost(fn func(error))

	// OnReconnect registers a callback fired after the transport
	// restores a dropped connection and its subscriptions.
	OnReconnect(fn func())

	// Close disconnects and releases resources.
	Close() error
}

// New builds the transport selected by the configuration.
func New(cfg config.Transport, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport", "kind", cfg.Kind)

	switch cfg.Kind {
	case config.TransportMQTT:
		return newMQTT(cfg, logger)
	case config.TransportNATS:
		return newNATS(cfg, logger)
	default:
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: unknown transport %q", errors.ErrInvalidConfig, cfg.Kind),
			"Transport", "New", "select transport")
	}
}
