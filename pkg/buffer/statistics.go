package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. Counters use atomics; size
// watermarks are guarded by a mutex.
type Statistics struct {
	pushes          int64
	pops            int64
	drops           int64
	highWaterEvents int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Push records an accepted item.
func (s *Statistics) Push() {
	atomic.AddInt64(&s.pushes, 1)
}

// Pop records a removed item.
func (s *Statistics) Pop() {
	atomic.AddInt64(&s.pops, 1)
}

// Drop records an item lost to the overflow policy.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// HighWater records a high-water mark crossing.
func (s *Statistics) HighWater() {
	atomic.AddInt64(&s.highWaterEvents, 1)
}

// UpdateSize records the current occupancy and tracks the maximum.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Pushes returns the total number of accepted items.
func (s *Statistics) Pushes() int64 { return atomic.LoadInt64(&s.pushes) }

// Pops returns the total number of removed items.
func (s *Statistics) Pops() int64 { return atomic.LoadInt64(&s.pops) }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return atomic.LoadInt64(&s.drops) }

// HighWaterEvents returns how many times the high-water mark was crossed.
func (s *Statistics) HighWaterEvents() int64 { return atomic.LoadInt64(&s.highWaterEvents) }

// CurrentSize returns the last recorded occupancy.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the highest occupancy observed.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// DropRate returns drops as a fraction of attempted pushes (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	pushes := s.Pushes()
	drops := s.Drops()
	if pushes+drops == 0 {
		return 0.0
	}
	return float64(drops) / float64(pushes+drops)
}

// Uptime returns how long the buffer has existed.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Summary is a point-in-time snapshot of all statistics.
type Summary struct {
	Pushes          int64         `json:"pushes"`
	Pops            int64         `json:"pops"`
	Drops           int64         `json:"drops"`
	HighWaterEvents int64         `json:"high_water_events"`
	CurrentSize     int64         `json:"current_size"`
	MaxSize         int64         `json:"max_size"`
	DropRate        float64       `json:"drop_rate"`
	Uptime          time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() Summary {
	return Summary{
		Pushes:          s.Pushes(),
		Pops:            s.Pops(),
		Drops:           s.Drops(),
		HighWaterEvents: s.HighWaterEvents(),
		CurrentSize:     s.CurrentSize(),
		MaxSize:         s.MaxSize(),
		DropRate:        s.DropRate(),
		Uptime:          s.Uptime(),
	}
}
