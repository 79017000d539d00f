package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.SQL{Driver: "sqlite3", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(topic string, ts time.Time, payload map[string]any) message.Message {
	return message.Message{
		Topic:      topic,
		Payload:    payload,
		Timestamp:  ts,
		ReceivedAt: ts,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.SQL{Driver: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)

	_, err = New(config.SQL{Driver: "sqlite3", DSN: ":memory:", Table: "bad table;"}, nil)
	assert.Error(t, err)
}

func TestStoreBatchRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	r1 := msg("sensors/room1/temperature", now, map[string]any{"temperature": 23.5})
	r2 := msg("sensors/room2/temperature", now.Add(time.Second), map[string]any{"temperature": 19.0})
	require.NoError(t, s.StoreBatch(ctx, []message.Message{r1, r2}))

	got, err := s.Query(ctx, storage.Query{Topic: r1.Topic})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r1.Topic, got[0].Topic)
	assert.Equal(t, 23.5, got[0].Payload["temperature"])
	assert.True(t, got[0].Timestamp.Equal(r1.Timestamp))

	got, err = s.Query(ctx, storage.Query{Topic: r2.Topic})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 19.0, got[0].Payload["temperature"])
}

func TestQueryOrderingNewestFirstStableTies(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// Two records share a timestamp; insertion order breaks the tie.
	batch := []message.Message{
		msg("t/a", base.Add(2*time.Second), map[string]any{"seq": 1.0}),
		msg("t/a", base, map[string]any{"seq": 2.0}),
		msg("t/a", base, map[string]any{"seq": 3.0}),
		msg("t/a", base.Add(time.Second), map[string]any{"seq": 4.0}),
	}
	require.NoError(t, s.StoreBatch(ctx, batch))

	got, err := s.Query(ctx, storage.Query{Topic: "t/a"})
	require.NoError(t, err)
	require.Len(t, got, 4)

	seqs := make([]float64, len(got))
	for i, m := range got {
		seqs[i] = m.Payload["seq"].(float64)
	}
	assert.Equal(t, []float64{1, 4, 2, 3}, seqs)
}

func TestQueryTimeRangeLimitOffset(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	var batch []message.Message
	for i := 0; i < 10; i++ {
		batch = append(batch, msg("t/series", base.Add(time.Duration(i)*time.Second),
			map[string]any{"i": float64(i)}))
	}
	require.NoError(t, s.StoreBatch(ctx, batch))

	start := base.Add(2 * time.Second)
	end := base.Add(7 * time.Second)
	got, err := s.Query(ctx, storage.Query{Topic: "t/series", Start: &start, End: &end})
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, 7.0, got[0].Payload["i"])
	assert.Equal(t, 2.0, got[5].Payload["i"])

	got, err = s.Query(ctx, storage.Query{Topic: "t/series", Limit: 3, Offset: 2})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 7.0, got[0].Payload["i"])
}

func TestQueryWildcardFilter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.StoreBatch(ctx, []message.Message{
		msg("sensors/room1/temperature", now, map[string]any{"v": 1.0}),
		msg("sensors/room2/temperature", now, map[string]any{"v": 2.0}),
		msg("sensors/room1/humidity", now, map[string]any{"v": 3.0}),
		msg("actuators/valve/state", now, map[string]any{"v": 4.0}),
	}))

	got, err := s.Query(ctx, storage.Query{Topic: "sensors/+/temperature"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(ctx, storage.Query{Topic: "sensors/#"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.Query(ctx, storage.Query{Topic: "nothing/+"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCleanup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.StoreBatch(ctx, []message.Message{
		msg("sensors/a", base.Add(-48*time.Hour), map[string]any{"v": 1.0}),
		msg("sensors/b", base.Add(-36*time.Hour), map[string]any{"v": 2.0}),
		msg("other/c", base.Add(-48*time.Hour), map[string]any{"v": 3.0}),
		msg("sensors/a", base, map[string]any{"v": 4.0}),
	}))

	// Scoped cleanup only touches matching topics.
	n, err := s.Cleanup(ctx, base.Add(-24*time.Hour), "sensors/#")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.Query(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// Unscoped cleanup removes the stale record from the other tree.
	n, err = s.Cleanup(ctx, base.Add(-24*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	info, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Records)
	assert.Nil(t, info.Oldest)

	require.NoError(t, s.StoreBatch(ctx, []message.Message{
		msg("a/1", base.Add(-time.Hour), map[string]any{"v": 1.0}),
		msg("a/2", base, map[string]any{"v": 2.0}),
	}))

	info, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQL, info.Backend)
	assert.Equal(t, int64(2), info.Records)
	assert.Equal(t, int64(2), info.Topics)
	require.NotNil(t, info.Oldest)
	require.NotNil(t, info.Newest)
	assert.True(t, info.Oldest.Before(*info.Newest))
}

func TestCustomTableName(t *testing.T) {
	s, err := New(config.SQL{Driver: "sqlite3", DSN: ":memory:", Table: "readings"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.StoreBatch(ctx, []message.Message{
		msg("a/b", time.Now().UTC(), map[string]any{"v": 1.0}),
	}))

	got, err := s.Query(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
