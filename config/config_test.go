package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
transport:
  kind: mqtt
  brokerUrl: tcp://broker.example:1883
  clientId: test-client
  topics:
    - sensors/#
    - actuators/+/state
buffer:
  capacity: 500
  highWaterMark: 0.9
storage:
  backend: sql
  batchSize: 50
  flushInterval: 2s
  sql:
    driver: sqlite3
    dsn: ":memory:"
retention:
  enabled: true
  interval: 30m
  policies:
    - name: old-sensors
      maxAge: 168h
      topicFilter: sensors/#
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker.example:1883", cfg.Transport.BrokerURL)
	assert.Equal(t, []string{"sensors/#", "actuators/+/state"}, cfg.Transport.Topics)
	assert.Equal(t, 500, cfg.Buffer.Capacity)
	assert.Equal(t, 0.9, cfg.Buffer.HighWaterMark)
	assert.Equal(t, BackendSQL, cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Storage.FlushInterval)
	require.Len(t, cfg.Retention.Policies, 1)
	assert.Equal(t, 168*time.Hour, cfg.Retention.Policies[0].MaxAge)

	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Router.ReplaySize)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"empty broker url", func(c *Config) { c.Transport.BrokerURL = "" }},
		{"qos out of range", func(c *Config) { c.Transport.QoS = 3 }},
		{"no topics", func(c *Config) { c.Transport.Topics = nil }},
		{"bad default mode", func(c *Config) { c.Schema.DefaultMode = "fuzzy" }},
		{"zero capacity", func(c *Config) { c.Buffer.Capacity = 0 }},
		{"high water out of range", func(c *Config) { c.Buffer.HighWaterMark = 1.5 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }},
		{"sql without dsn", func(c *Config) { c.Storage.Backend = BackendSQL }},
		{"document on sqlite", func(c *Config) {
			c.Storage.Backend = BackendDocument
			c.Storage.SQL = SQL{Driver: "sqlite3", DSN: ":memory:"}
		}},
		{"file without dir", func(c *Config) {
			c.Storage.Backend = BackendFile
			c.Storage.File.Dir = ""
		}},
		{"influx without bucket", func(c *Config) {
			c.Storage.Backend = BackendInflux
			c.Storage.Influx = Influx{URL: "http://localhost:8086"}
		}},
		{"zero batch size", func(c *Config) { c.Storage.BatchSize = 0 }},
		{"zero flush interval", func(c *Config) { c.Storage.FlushInterval = 0 }},
		{"zero session queue", func(c *Config) { c.Router.SessionQueueSize = 0 }},
		{"retention policy without age", func(c *Config) {
			c.Retention.Enabled = true
			c.Retention.Policies = []RetentionRule{{Name: "bad"}}
		}},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
