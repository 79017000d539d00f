package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/topic"
)

// MemBackend is an in-memory storage backend honoring the batch
// atomicity and query ordering contracts. FailNext makes the next n
// StoreBatch calls fail, for exercising the requeue path.
type MemBackend struct {
	mu       sync.Mutex
	records  []message.Message
	batches  int
	failNext int
}

// NewMemBackend creates an empty backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{}
}

func (m *MemBackend) Initialize(_ context.Context) error { return nil }

// FailNext schedules the next n StoreBatch calls to fail.
func (m *MemBackend) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *MemBackend) StoreBatch(_ context.Context, records []message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return errors.WrapTransient(errors.ErrBatchFailed, "MemBackend", "StoreBatch", "scripted failure")
	}
	m.records = append(m.records, records...)
	m.batches++
	return nil
}

func (m *MemBackend) Query(_ context.Context, q storage.Query) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []message.Message
	for _, rec := range m.records {
		if q.Topic != "" {
			if strings.ContainsAny(q.Topic, "+#") {
				if !topic.Match(q.Topic, rec.Topic) {
					continue
				}
			} else if q.Topic != rec.Topic {
				continue
			}
		}
		if q.Start != nil && rec.Timestamp.Before(*q.Start) {
			continue
		}
		if q.End != nil && rec.Timestamp.After(*q.End) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if limit := q.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemBackend) Cleanup(_ context.Context, before time.Time, topicFilter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []message.Message
	var deleted int64
	for _, rec := range m.records {
		expired := rec.Timestamp.Before(before) &&
			(topicFilter == "" || topic.Match(topicFilter, rec.Topic))
		if expired {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return deleted, nil
}

func (m *MemBackend) Stats(_ context.Context) (storage.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := storage.Info{Backend: "memory", Records: int64(len(m.records))}
	topics := make(map[string]struct{})
	for _, rec := range m.records {
		topics[rec.Topic] = struct{}{}
		ts := rec.Timestamp
		if info.Oldest == nil || ts.Before(*info.Oldest) {
			t := ts
			info.Oldest = &t
		}
		if info.Newest == nil || ts.After(*info.Newest) {
			t := ts
			info.Newest = &t
		}
	}
	info.Topics = int64(len(topics))
	return info, nil
}

func (m *MemBackend) Close() error { return nil }

// Records returns a copy of everything stored, in insertion order.
func (m *MemBackend) Records() []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]message.Message, len(m.records))
	copy(out, m.records)
	return out
}

// Batches returns how many successful StoreBatch calls happened.
func (m *MemBackend) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

var _ storage.Backend = (*MemBackend)(nil)
