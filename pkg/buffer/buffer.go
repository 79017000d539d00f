package buffer

import (
	"sync"

	"github.com/c360/telemetrykit/errors"
)

// OverflowPolicy defines what happens when Push finds the buffer full.
type OverflowPolicy int

const (
	// RejectNewest refuses the incoming item and reports it dropped.
	// Default: an item already accepted into the pipeline is never
	// silently discarded to make room.
	RejectNewest OverflowPolicy = iota

	// EvictOldest removes the oldest item to admit the new one. Used
	// for best-effort history such as the subscriber replay ring.
	EvictOldest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case RejectNewest:
		return "RejectNewest"
	case EvictOldest:
		return "EvictOldest"
	default:
		return "Unknown"
	}
}

// DropCallback receives each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// HighWaterCallback fires once when usage crosses the high-water mark
// from below. It re-arms after usage drops back under the mark.
type HighWaterCallback func(size, capacity int)

// Buffer is a thread-safe bounded FIFO queue backed by a ring array.
// A single mutex guards every operation so a concurrent producer and
// consumer can never corrupt ordering or counts.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	// High-water signal is one-shot until usage falls under the mark.
	hwArmed bool

	stats   *Statistics
	metrics *bufferMetrics
	opts    *options[T]
}

// New creates a bounded buffer with the given capacity. Configuration
// beyond capacity is via functional options. Returns an error only if
// metrics registration fails when metrics were requested.
func New[T any](capacity int, opts ...Option[T]) (*Buffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	o := applyOptions(opts...)

	var metrics *bufferMetrics
	if o.metricsReg != nil && o.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapFatal(err, "Buffer", "New", "metrics registration")
		}
	}

	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		hwArmed:  true,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     o,
	}, nil
}

// Push appends an item and reports whether it was accepted. On a full
// buffer the overflow policy decides: RejectNewest returns false with
// the buffer untouched; EvictOldest drops the oldest item and returns
// true. Push on a closed buffer always returns false.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return false
	}

	var dropped T
	var hasDropped bool

	if b.size == b.capacity {
		if b.opts.policy == RejectNewest {
			b.stats.Drop()
			if b.metrics != nil {
				b.metrics.recordDrop()
			}
			b.mu.Unlock()
			if b.opts.dropCallback != nil {
				b.opts.dropCallback(item)
			}
			return false
		}

		// EvictOldest: make room.
		dropped = b.items[b.tail]
		var zero T
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % b.capacity
		b.size--
		hasDropped = true
		b.stats.Drop()
		if b.metrics != nil {
			b.metrics.recordDrop()
		}
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.size++

	b.stats.Push()
	b.stats.UpdateSize(int64(b.size))
	if b.metrics != nil {
		b.metrics.recordPush(b.size, b.capacity)
	}

	hw := b.highWaterCrossed()
	size, capacity := b.size, b.capacity
	b.mu.Unlock()

	// Callbacks run outside the lock to avoid deadlock.
	if hasDropped && b.opts.dropCallback != nil {
		b.opts.dropCallback(dropped)
	}
	if hw && b.opts.highWaterCallback != nil {
		b.opts.highWaterCallback(size, capacity)
	}

	return true
}

// PushBatch pushes items in order and returns how many were accepted.
// Each item goes through the overflow policy individually, so a full
// RejectNewest buffer stops accepting mid-batch while EvictOldest
// admits everything.
func (b *Buffer[T]) PushBatch(items []T) int {
	accepted := 0
	for _, item := range items {
		if b.Push(item) {
			accepted++
		}
	}
	return accepted
}

// highWaterCrossed checks the one-shot high-water condition. Caller
// holds the lock.
func (b *Buffer[T]) highWaterCrossed() bool {
	if b.opts.highWaterMark <= 0 {
		return false
	}
	threshold := int(float64(b.capacity) * b.opts.highWaterMark)
	if threshold < 1 {
		threshold = 1
	}

	if b.size >= threshold {
		if b.hwArmed {
			b.hwArmed = false
			b.stats.HighWater()
			return true
		}
		return false
	}

	b.hwArmed = true
	return false
}

// GetBatch atomically removes and returns up to max of the oldest
// items, in push order. Returns nil when the buffer is empty.
func (b *Buffer[T]) GetBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.popLocked(max)
}

// Flush drains and returns every buffered item in push order.
func (b *Buffer[T]) Flush() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.popLocked(b.size)
}

// Snapshot returns a copy of every buffered item in push order without
// removing anything.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.tail+i)%b.capacity]
	}
	return out
}

// popLocked removes up to n items from the tail. Caller holds the lock.
func (b *Buffer[T]) popLocked(n int) []T {
	if b.size == 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = b.items[b.tail]
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % b.capacity
		b.size--
		b.stats.Pop()
	}

	b.stats.UpdateSize(int64(b.size))
	if b.metrics != nil {
		b.metrics.recordPops(n, b.size, b.capacity)
	}

	// Usage may have fallen back under the mark.
	if b.opts.highWaterMark > 0 {
		threshold := int(float64(b.capacity) * b.opts.highWaterMark)
		if threshold < 1 {
			threshold = 1
		}
		if b.size < threshold {
			b.hwArmed = true
		}
	}

	return out
}

// Peek returns the oldest item without removing it.
func (b *Buffer[T]) Peek() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.items[b.tail], true
}

// Size returns the current number of buffered items.
func (b *Buffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the fixed maximum number of items.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// UsagePercent returns current occupancy as a percentage (0-100).
func (b *Buffer[T]) UsagePercent() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.size) / float64(b.capacity) * 100
}

// IsEmpty reports whether the buffer holds no items.
func (b *Buffer[T]) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size == 0
}

// IsFull reports whether the buffer is at capacity.
func (b *Buffer[T]) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size == b.capacity
}

// Stats returns the buffer statistics tracker.
func (b *Buffer[T]) Stats() *Statistics {
	return b.stats
}

// Close marks the buffer closed. Subsequent pushes are refused;
// buffered items remain readable so a final flush can drain them.
func (b *Buffer[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
