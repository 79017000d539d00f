// Package router fans validated messages out to live subscribers.
// Each subscriber registers a set of topic filters and receives
// matching messages on a buffered channel; a slow subscriber drops
// messages rather than stalling the pipeline. A bounded replay ring
// of recent messages gives a newly joined subscriber immediate
// history matching its filters, best effort only. Subscribers prove
// liveness with heartbeats and a reaper removes the silent ones.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/metric"
	"github.com/c360/telemetrykit/pkg/buffer"
	"github.com/c360/telemetrykit/topic"
)

// Session is one live subscriber. Messages arrive on the channel
// returned by Messages; when it backs up, new messages for this
// subscriber are dropped and counted.
type Session struct {
	id      string
	filters []string
	deliver chan message.Message

	lastHeartbeat atomic.Value // time.Time
	dropped       atomic.Int64
	closeOnce     sync.Once
	closed        atomic.Bool

	// sendMu orders sends against close: a subscriber leaving while
	// traffic flows must never panic the publisher.
	sendMu sync.Mutex
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Filters returns the session's topic filters.
func (s *Session) Filters() []string { return s.filters }

// Messages returns the delivery channel. It is closed when the
// session is unregistered or reaped.
func (s *Session) Messages() <-chan message.Message { return s.deliver }

// Dropped returns how many messages this subscriber lost to
// backpressure.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

func (s *Session) matches(t string) bool {
	return topic.MatchAny(s.filters, t)
}

// send delivers without blocking. Returns (delivered, dropped);
// (false, false) means the session is already closed.
func (s *Session) send(msg message.Message) (bool, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed.Load() {
		return false, false
	}
	select {
	case s.deliver <- msg:
		return true, false
	default:
		s.dropped.Add(1)
		return false, true
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.deliver)
		s.sendMu.Unlock()
	})
}

// Router tracks subscriber sessions and delivers matching messages.
type Router struct {
	cfg      config.Router
	logger   *slog.Logger
	pipeline *metric.Pipeline

	mu       sync.RWMutex
	sessions map[string]*Session
	replay   *buffer.Buffer[message.Message]

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a router. The pipeline metrics are optional.
func New(cfg config.Router, logger *slog.Logger, pipeline *metric.Pipeline) (*Router, error) {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 100
	}
	if cfg.SessionQueueSize <= 0 {
		cfg.SessionQueueSize = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	replay, err := buffer.New[message.Message](cfg.ReplaySize,
		buffer.WithPolicy[message.Message](buffer.EvictOldest))
	if err != nil {
		return nil, errors.WrapFatal(err, "Router", "New", "create replay ring")
	}

	return &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		pipeline: pipeline,
		sessions: make(map[string]*Session),
		replay:   replay,
	}, nil
}

// Register creates a subscriber session. An empty id gets a generated
// one. Recent history matching the filters is replayed into the
// session's channel before any live message arrives.
func (r *Router) Register(id string, filters []string) (*Session, error) {
	if len(filters) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidFilter, "Router", "Register", "empty filter set")
	}
	for _, f := range filters {
		if err := topic.ValidateFilter(f); err != nil {
			return nil, errors.WrapInvalid(err, "Router", "Register", "validate filter "+f)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:      id,
		filters: filters,
		deliver: make(chan message.Message, r.cfg.SessionQueueSize),
	}
	s.lastHeartbeat.Store(time.Now())

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrSessionExists, "Router", "Register", "register "+id)
	}
	r.sessions[id] = s
	count := len(r.sessions)
	history := r.replay.Snapshot()
	r.mu.Unlock()

	// Best-effort replay: what does not fit in the queue is skipped.
	// Goes through send because the session is already reachable by
	// Unregister.
	for _, msg := range history {
		if !s.matches(msg.Topic) {
			continue
		}
		s.send(msg)
	}

	if r.pipeline != nil {
		r.pipeline.Subscribers.Set(float64(count))
	}
	r.logger.Info("subscriber registered", "session", id, "filters", filters)
	return s, nil
}

// Unregister removes a session and closes its channel.
func (r *Router) Unregister(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrSessionNotFound, "Router", "Unregister", "unregister "+id)
	}

	s.close()
	if r.pipeline != nil {
		r.pipeline.Subscribers.Set(float64(count))
	}
	r.logger.Info("subscriber unregistered", "session", id, "dropped", s.Dropped())
	return nil
}

// Heartbeat records liveness for a session.
func (r *Router) Heartbeat(id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrSessionNotFound, "Router", "Heartbeat", "heartbeat "+id)
	}
	s.lastHeartbeat.Store(time.Now())
	return nil
}

// Publish delivers a message to every matching subscriber and records
// it in the replay ring. Delivery never blocks; a full subscriber
// queue counts a drop for that subscriber only.
func (r *Router) Publish(msg message.Message) {
	r.mu.RLock()
	r.replay.Push(msg)
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if !s.matches(msg.Topic) {
			continue
		}
		delivered, dropped := s.send(msg)
		if r.pipeline == nil {
			continue
		}
		if delivered {
			r.pipeline.FanoutDelivered.Inc()
		} else if dropped {
			r.pipeline.FanoutDropped.Inc()
		}
	}
}

// SessionCount returns the number of live sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start launches the heartbeat reaper. Safe to skip for callers that
// manage session lifetimes themselves.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.reaperStop != nil {
		r.mu.Unlock()
		return
	}
	r.reaperStop = make(chan struct{})
	r.reaperDone = make(chan struct{})
	stop, done := r.reaperStop, r.reaperDone
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.reapStale()
			}
		}
	}()
}

// reapStale removes sessions whose last heartbeat is older than the
// allowed window.
func (r *Router) reapStale() {
	cutoff := time.Now().Add(-time.Duration(r.cfg.MissedHeartbeats) * r.cfg.HeartbeatInterval)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.lastHeartbeat.Load().(time.Time).Before(cutoff) {
			delete(r.sessions, id)
			stale = append(stale, s)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	for _, s := range stale {
		s.close()
		r.logger.Warn("subscriber reaped after missed heartbeats", "session", s.id)
	}
	if len(stale) > 0 && r.pipeline != nil {
		r.pipeline.Subscribers.Set(float64(count))
	}
}

// Close stops the reaper and closes every session.
func (r *Router) Close() {
	r.mu.Lock()
	if r.reaperStop != nil {
		close(r.reaperStop)
		r.reaperStop = nil
	}
	done := r.reaperDone
	r.reaperDone = nil
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if done != nil {
		<-done
	}
	for _, s := range sessions {
		s.close()
	}
	if r.pipeline != nil {
		r.pipeline.Subscribers.Set(0)
	}
}
