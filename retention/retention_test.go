package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/testutil"
)

func seed(t *testing.T, store *testutil.MemBackend) {
	t.Helper()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	require.NoError(t, store.StoreBatch(context.Background(), []message.Message{
		message.New("sensors/a", map[string]any{"v": 1.0}, old),
		message.New("sensors/b", map[string]any{"v": 2.0}, old),
		message.New("logs/app", map[string]any{"v": 3.0}, old),
		message.New("sensors/a", map[string]any{"v": 4.0}, fresh),
	}))
}

func TestNewValidatesPolicies(t *testing.T) {
	_, err := New(config.Retention{}, nil, nil)
	require.Error(t, err)

	_, err = New(config.Retention{
		Policies: []config.RetentionRule{{Name: "bad"}},
	}, testutil.NewMemBackend(), nil)
	require.Error(t, err)
}

func TestRunOnceAppliesScopedPolicies(t *testing.T) {
	store := testutil.NewMemBackend()
	seed(t, store)

	s, err := New(config.Retention{
		Enabled:  true,
		Interval: time.Hour,
		Policies: []config.RetentionRule{
			{Name: "sensors-24h", MaxAge: 24 * time.Hour, TopicFilter: "sensors/#"},
		},
	}, store, nil)
	require.NoError(t, err)

	s.RunOnce(context.Background())

	recs, err := store.Query(context.Background(), storage.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	topics := []string{recs[0].Topic, recs[1].Topic}
	assert.Contains(t, topics, "logs/app")
	assert.Contains(t, topics, "sensors/a")
}

func TestUnscopedPolicyCoversEverything(t *testing.T) {
	store := testutil.NewMemBackend()
	seed(t, store)

	s, err := New(config.Retention{
		Enabled:  true,
		Interval: time.Hour,
		Policies: []config.RetentionRule{{Name: "all-24h", MaxAge: 24 * time.Hour}},
	}, store, nil)
	require.NoError(t, err)

	s.RunOnce(context.Background())

	recs, err := store.Query(context.Background(), storage.Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestScheduledRuns(t *testing.T) {
	store := testutil.NewMemBackend()
	seed(t, store)

	s, err := New(config.Retention{
		Enabled:  true,
		Interval: 20 * time.Millisecond,
		Policies: []config.RetentionRule{{Name: "all", MaxAge: 24 * time.Hour}},
	}, store, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, qerr := store.Query(context.Background(), storage.Query{})
		require.NoError(t, qerr)
		if len(recs) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler never applied the policy")
}

func TestDisabledSchedulerIsNoOp(t *testing.T) {
	store := testutil.NewMemBackend()
	seed(t, store)

	s, err := New(config.Retention{Enabled: false}, store, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	s.Stop() // must not block or panic

	recs, err := store.Query(context.Background(), storage.Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}
