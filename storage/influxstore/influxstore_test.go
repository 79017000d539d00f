package influxstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
)

func TestNewRejectsIncompleteConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Influx
	}{
		{"empty", config.Influx{}},
		{"missing org", config.Influx{URL: "http://localhost:8086", Bucket: "b"}},
		{"missing bucket", config.Influx{URL: "http://localhost:8086", Org: "o"}},
		{"missing url", config.Influx{Org: "o", Bucket: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestUninitializedStoreFails(t *testing.T) {
	s, err := New(config.Influx{URL: "http://localhost:8086", Org: "o", Bucket: "b"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, s.StoreBatch(ctx, []message.Message{message.New("t", nil, time.Time{})}))
	_, err = s.Query(ctx, storage.Query{})
	require.Error(t, err)
	_, err = s.Cleanup(ctx, time.Now(), "")
	require.Error(t, err)
}

func TestFluxRange(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "range(start: 1970-01-01T00:00:00Z)", fluxRange(nil, nil))
	assert.Equal(t, "range(start: 2026-03-01T00:00:00Z)", fluxRange(&start, nil))
	// Inclusive upper bound becomes an exclusive stop one nanosecond later.
	assert.Equal(t,
		"range(start: 1970-01-01T00:00:00Z, stop: 2026-03-02T00:00:00.000000001Z)",
		fluxRange(nil, &end))
}

// TestIntegrationRoundTrip needs a live InfluxDB 2.x instance. Set
// INFLUXSTORE_TEST_URL, INFLUXSTORE_TEST_TOKEN, INFLUXSTORE_TEST_ORG
// and INFLUXSTORE_TEST_BUCKET to run it; the bucket is wiped.
func TestIntegrationRoundTrip(t *testing.T) {
	url := os.Getenv("INFLUXSTORE_TEST_URL")
	if url == "" {
		t.Skip("INFLUXSTORE_TEST_URL not set")
	}

	cfg := config.Influx{
		URL:    url,
		Token:  os.Getenv("INFLUXSTORE_TEST_TOKEN"),
		Org:    os.Getenv("INFLUXSTORE_TEST_ORG"),
		Bucket: os.Getenv("INFLUXSTORE_TEST_BUCKET"),
	}
	s, err := New(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Cleanup(ctx, time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []message.Message{
		message.New("sensors/room1/temperature", map[string]any{"value": 23.5, "ok": true}, base),
		message.New("sensors/room2/temperature", map[string]any{"value": 19.0}, base.Add(time.Minute)),
		message.New("actuators/valve1/state", map[string]any{"open": true}, base.Add(2*time.Minute)),
	}
	require.NoError(t, s.StoreBatch(ctx, in))

	out, err := s.Query(ctx, storage.Query{Topic: "sensors/#"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "sensors/room2/temperature", out[0].Topic)
	assert.Equal(t, 23.5, out[1].Payload["value"])

	info, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Records)
	assert.Equal(t, int64(3), info.Topics)

	n, err := s.Cleanup(ctx, base.Add(30*time.Second), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	out, err = s.Query(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
