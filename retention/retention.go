// Package retention runs age-based cleanup policies against the
// storage backend. Each policy names a maximum age and an optional
// topic filter scope; the scheduler applies every policy on a fixed
// interval and reports deletions through the log and stats. A cleanup
// failure is logged and retried on the next run, never fatal.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/storage"
)

// Scheduler applies retention policies periodically.
type Scheduler struct {
	cfg    config.Retention
	store  storage.Backend
	logger *slog.Logger

	mu       sync.Mutex
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a scheduler. Policies are validated up front so a bad
// filter fails at startup, not at 3am.
func New(cfg config.Retention, store storage.Backend, logger *slog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Scheduler", "New", "storage backend required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	for _, p := range cfg.Policies {
		if p.MaxAge <= 0 {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Scheduler", "New",
				"policy "+p.Name+" needs a positive maxAge")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "retention"),
	}, nil
}

// Start launches the policy loop. A disabled scheduler starts as a
// no-op so callers need no conditional wiring.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled || len(s.cfg.Policies) == 0 {
		s.logger.Debug("retention disabled")
		return
	}

	s.mu.Lock()
	if s.shutdown != nil {
		s.mu.Unlock()
		return
	}
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.shutdown, s.done
	s.mu.Unlock()

	s.logger.Info("retention scheduler started",
		"interval", s.cfg.Interval, "policies", len(s.cfg.Policies))

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce applies every policy immediately. Exposed for operator
// tooling and tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, p := range s.cfg.Policies {
		cutoff := time.Now().Add(-p.MaxAge)
		deleted, err := s.store.Cleanup(ctx, cutoff, p.TopicFilter)
		if err != nil {
			s.logger.Error("cleanup failed", "policy", p.Name, "error", err)
			continue
		}
		if deleted > 0 {
			s.logger.Info("retention applied", "policy", p.Name,
				"deleted", deleted, "cutoff", cutoff, "scope", p.TopicFilter)
		}
	}
}

// Stop ends the policy loop and waits for an in-progress run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.shutdown == nil {
		s.mu.Unlock()
		return
	}
	close(s.shutdown)
	done := s.done
	s.shutdown = nil
	s.done = nil
	s.mu.Unlock()

	<-done
}
