// Package config loads and validates the pipeline configuration from
// YAML. Each pipeline concern gets its own section struct; Validate
// catches startup-time configuration errors, the only error class that
// is allowed to stop the process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/telemetrykit/errors"
)

// Transport kinds selectable in the transport section.
const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
)

// Storage backend kinds selectable in the storage section.
const (
	BackendSQL      = "sql"
	BackendDocument = "document"
	BackendFile     = "file"
	BackendInflux   = "influx"
)

// Config is the complete application configuration.
type Config struct {
	Transport Transport `yaml:"transport"`
	Schema    Schema    `yaml:"schema"`
	Buffer    Buffer    `yaml:"buffer"`
	Storage   Storage   `yaml:"storage"`
	Router    Router    `yaml:"router"`
	Retention Retention `yaml:"retention"`
	Subscribe Subscribe `yaml:"subscribe"`
	Metrics   Metrics   `yaml:"metrics"`
	Health    Health    `yaml:"health"`
}

// Transport selects and parameterizes the broker connection. The
// pipeline passes these through; it never renegotiates them.
type Transport struct {
	Kind      string        `yaml:"kind"` // mqtt or nats
	BrokerURL string        `yaml:"brokerUrl"`
	ClientID  string        `yaml:"clientId"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	QoS       byte          `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keepAlive"`
	Topics    []string      `yaml:"topics"` // filters subscribed at startup
}

// Schema configures the schema registry and validator.
type Schema struct {
	Dir string `yaml:"dir"` // directory of YAML schema documents

	// DefaultMode decides topics with no matching schema:
	// lenient accepts them, strict rejects them.
	DefaultMode string `yaml:"defaultMode"`
}

// Buffer configures the intake buffer.
type Buffer struct {
	Capacity      int     `yaml:"capacity"`
	HighWaterMark float64 `yaml:"highWaterMark"` // fraction of capacity, 0 disables
	EvictOldest   bool    `yaml:"evictOldest"`   // admit new items by evicting the oldest
}

// Storage selects a backend and its flush cadence.
type Storage struct {
	Backend       string        `yaml:"backend"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`

	SQL    SQL    `yaml:"sql"`
	File   File   `yaml:"file"`
	Influx Influx `yaml:"influx"`
}

// SQL parameterizes the relational and document backends.
type SQL struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// File parameterizes the append-only NDJSON backend.
type File struct {
	Dir            string        `yaml:"dir"`
	MaxFileSize    int64         `yaml:"maxFileSize"`    // bytes before rotation
	RotateInterval time.Duration `yaml:"rotateInterval"` // time window before rotation
	Compress       bool          `yaml:"compress"`       // gzip rotated files
}

// Influx parameterizes the time-series backend.
type Influx struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Router configures subscriber fan-out.
type Router struct {
	ReplaySize        int           `yaml:"replaySize"`        // messages kept for replay on subscribe
	SessionQueueSize  int           `yaml:"sessionQueueSize"`  // per-session delivery queue
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"` // expected heartbeat cadence
	MissedHeartbeats  int           `yaml:"missedHeartbeats"`  // misses before a session is reaped
}

// Retention configures the cleanup scheduler.
type Retention struct {
	Enabled  bool            `yaml:"enabled"`
	Interval time.Duration   `yaml:"interval"`
	Policies []RetentionRule `yaml:"policies"`
}

// RetentionRule deletes records older than MaxAge, optionally scoped
// to a topic filter.
type RetentionRule struct {
	Name        string        `yaml:"name"`
	MaxAge      time.Duration `yaml:"maxAge"`
	TopicFilter string        `yaml:"topicFilter"`
}

// Subscribe configures the websocket subscriber endpoint.
type Subscribe struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Health configures the health check endpoint.
type Health struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a configuration suitable for local development with
// the file backend.
func Default() *Config {
	return &Config{
		Transport: Transport{
			Kind:      TransportMQTT,
			BrokerURL: "tcp://localhost:1883",
			ClientID:  "telemetrykit",
			QoS:       1,
			KeepAlive: 30 * time.Second,
			Topics:    []string{"sensors/#"},
		},
		Schema: Schema{
			DefaultMode: "lenient",
		},
		Buffer: Buffer{
			Capacity:      10000,
			HighWaterMark: 0.8,
		},
		Storage: Storage{
			Backend:       BackendFile,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			File: File{
				Dir:            "data",
				MaxFileSize:    64 << 20,
				RotateInterval: 24 * time.Hour,
			},
		},
		Router: Router{
			ReplaySize:        100,
			SessionQueueSize:  64,
			HeartbeatInterval: 30 * time.Second,
			MissedHeartbeats:  3,
		},
		Retention: Retention{
			Interval: time.Hour,
		},
		Subscribe: Subscribe{
			Enabled: true,
			Port:    8081,
			Path:    "/subscribe",
		},
		Metrics: Metrics{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: Health{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", fmt.Sprintf("read %s", path))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", fmt.Sprintf("parse %s", path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for startup-time errors.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Config", "Validate", "configuration check")
	}

	switch c.Transport.Kind {
	case TransportMQTT, TransportNATS:
	default:
		return fail(fmt.Sprintf("unknown transport kind %q", c.Transport.Kind))
	}
	if c.Transport.BrokerURL == "" {
		return fail("transport.brokerUrl is required")
	}
	if c.Transport.QoS > 2 {
		return fail(fmt.Sprintf("transport.qos %d out of range 0-2", c.Transport.QoS))
	}
	if len(c.Transport.Topics) == 0 {
		return fail("transport.topics must list at least one filter")
	}

	switch c.Schema.DefaultMode {
	case "", "strict", "lenient":
	default:
		return fail(fmt.Sprintf("schema.defaultMode %q must be strict or lenient", c.Schema.DefaultMode))
	}

	if c.Buffer.Capacity <= 0 {
		return fail("buffer.capacity must be positive")
	}
	if c.Buffer.HighWaterMark < 0 || c.Buffer.HighWaterMark > 1 {
		return fail("buffer.highWaterMark must be within [0,1]")
	}

	switch c.Storage.Backend {
	case BackendSQL, BackendDocument:
		if c.Storage.SQL.DSN == "" {
			return fail("storage.sql.dsn is required for the sql and document backends")
		}
		switch c.Storage.SQL.Driver {
		case "sqlite3", "postgres":
		default:
			return fail(fmt.Sprintf("storage.sql.driver %q must be sqlite3 or postgres", c.Storage.SQL.Driver))
		}
		if c.Storage.Backend == BackendDocument && c.Storage.SQL.Driver != "postgres" {
			return fail("the document backend requires the postgres driver")
		}
	case BackendFile:
		if c.Storage.File.Dir == "" {
			return fail("storage.file.dir is required for the file backend")
		}
	case BackendInflux:
		if c.Storage.Influx.URL == "" || c.Storage.Influx.Bucket == "" {
			return fail("storage.influx.url and storage.influx.bucket are required for the influx backend")
		}
	default:
		return fail(fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Storage.BatchSize <= 0 {
		return fail("storage.batchSize must be positive")
	}
	if c.Storage.FlushInterval <= 0 {
		return fail("storage.flushInterval must be positive")
	}

	if c.Router.ReplaySize < 0 {
		return fail("router.replaySize cannot be negative")
	}
	if c.Router.SessionQueueSize <= 0 {
		return fail("router.sessionQueueSize must be positive")
	}
	if c.Router.HeartbeatInterval <= 0 {
		return fail("router.heartbeatInterval must be positive")
	}
	if c.Router.MissedHeartbeats <= 0 {
		return fail("router.missedHeartbeats must be positive")
	}

	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return fail("retention.interval must be positive when retention is enabled")
		}
		for _, p := range c.Retention.Policies {
			if p.MaxAge <= 0 {
				return fail(fmt.Sprintf("retention policy %q needs a positive maxAge", p.Name))
			}
		}
	}

	if c.Subscribe.Enabled && (c.Subscribe.Port < 1 || c.Subscribe.Port > 65535) {
		return fail(fmt.Sprintf("subscribe.port %d out of range", c.Subscribe.Port))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fail(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fail(fmt.Sprintf("health.port %d out of range", c.Health.Port))
	}

	return nil
}
