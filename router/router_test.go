package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/message"
)

func newRouter(t *testing.T, mutate func(*config.Router)) *Router {
	t.Helper()

	cfg := config.Router{
		ReplaySize:        10,
		SessionQueueSize:  4,
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func msg(topic string, seq int) message.Message {
	return message.New(topic, map[string]any{"seq": seq}, time.Time{})
}

func drain(s *Session) []message.Message {
	var out []message.Message
	for {
		select {
		case m, ok := <-s.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestRegisterValidatesFilters(t *testing.T) {
	r := newRouter(t, nil)

	_, err := r.Register("a", nil)
	require.Error(t, err)

	_, err = r.Register("a", []string{"x/#/y"})
	require.Error(t, err)

	s, err := r.Register("", []string{"sensors/#"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := newRouter(t, nil)

	_, err := r.Register("dup", []string{"#"})
	require.NoError(t, err)
	_, err = r.Register("dup", []string{"#"})
	require.Error(t, err)
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	r := newRouter(t, nil)

	temp, err := r.Register("temp", []string{"sensors/+/temperature"})
	require.NoError(t, err)
	all, err := r.Register("all", []string{"#"})
	require.NoError(t, err)

	r.Publish(msg("sensors/room1/temperature", 1))
	r.Publish(msg("actuators/valve1/state", 2))

	got := drain(temp)
	require.Len(t, got, 1)
	assert.Equal(t, "sensors/room1/temperature", got[0].Topic)

	assert.Len(t, drain(all), 2)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	r := newRouter(t, func(cfg *config.Router) { cfg.SessionQueueSize = 2 })

	s, err := r.Register("slow", []string{"#"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r.Publish(msg("t/x", i))
	}

	assert.Equal(t, int64(3), s.Dropped())
	assert.Len(t, drain(s), 2)
}

func TestReplayOnRegister(t *testing.T) {
	r := newRouter(t, nil)

	for i := 0; i < 3; i++ {
		r.Publish(msg(fmt.Sprintf("sensors/room%d/temperature", i), i))
	}
	r.Publish(msg("other/topic", 99))

	s, err := r.Register("late", []string{"sensors/#"})
	require.NoError(t, err)

	got := drain(s)
	require.Len(t, got, 3)
	// Replay preserves arrival order.
	assert.Equal(t, "sensors/room0/temperature", got[0].Topic)
	assert.Equal(t, "sensors/room2/temperature", got[2].Topic)
}

func TestReplayRingEvictsOldest(t *testing.T) {
	r := newRouter(t, func(cfg *config.Router) {
		cfg.ReplaySize = 3
		cfg.SessionQueueSize = 8
	})

	for i := 0; i < 5; i++ {
		r.Publish(msg("t/x", i))
	}

	s, err := r.Register("late", []string{"#"})
	require.NoError(t, err)

	got := drain(s)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Payload["seq"])
	assert.Equal(t, 4, got[2].Payload["seq"])
}

func TestUnregisterClosesChannel(t *testing.T) {
	r := newRouter(t, nil)

	s, err := r.Register("bye", []string{"#"})
	require.NoError(t, err)
	require.NoError(t, r.Unregister("bye"))

	_, ok := <-s.Messages()
	assert.False(t, ok)

	require.Error(t, r.Unregister("bye"))
	assert.Equal(t, 0, r.SessionCount())
}

func TestHeartbeatUnknownSession(t *testing.T) {
	r := newRouter(t, nil)
	require.Error(t, r.Heartbeat("ghost"))
}

func TestReaperRemovesSilentSubscribers(t *testing.T) {
	r := newRouter(t, func(cfg *config.Router) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.MissedHeartbeats = 2
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)

	quiet, err := r.Register("quiet", []string{"#"})
	require.NoError(t, err)
	_, err = r.Register("chatty", []string{"#"})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.SessionCount() > 1 {
		_ = r.Heartbeat("chatty")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 1, r.SessionCount())
	_, ok := <-quiet.Messages()
	assert.False(t, ok)
	require.NoError(t, r.Heartbeat("chatty"))
}

func TestPublishAfterClose(t *testing.T) {
	r := newRouter(t, nil)
	s, err := r.Register("s", []string{"#"})
	require.NoError(t, err)

	r.Close()
	r.Publish(msg("t/x", 1)) // must not panic

	_, ok := <-s.Messages()
	assert.False(t, ok)
}

func TestUnregisterDuringPublishDoesNotPanic(t *testing.T) {
	r := newRouter(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			r.Publish(msg("sensors/temp", i))
		}
	}()

	// Churn sessions while traffic flows. Closing a channel a
	// publisher is sending on would panic the whole process.
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("churn-%d", i)
		_, err := r.Register(id, []string{"sensors/#"})
		require.NoError(t, err)
		require.NoError(t, r.Unregister(id))
	}
	<-done

	// The router still delivers after the churn.
	s, err := r.Register("survivor", []string{"sensors/#"})
	require.NoError(t, err)
	r.Publish(msg("sensors/temp", -1))

	select {
	case m := <-s.Messages():
		assert.Equal(t, "sensors/temp", m.Topic)
	case <-time.After(time.Second):
		t.Fatal("no delivery after session churn")
	}
}
