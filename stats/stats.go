// Package stats tracks pipeline counters for the read-only stats
// export interface. Counters are atomic so external consumers can take
// snapshots while the coordinator and buffer mutate them.
package stats

import (
	"math"
	"sync/atomic"
	"time"
)

// Stats holds the monotonic pipeline counters plus gauges. All methods
// are safe for concurrent use.
type Stats struct {
	received         atomic.Int64
	stored           atomic.Int64
	dropped          atomic.Int64
	validationErrors atomic.Int64
	storageErrors    atomic.Int64
	reconnects       atomic.Int64
	batchesProcessed atomic.Int64

	bufferUsageBits atomic.Uint64 // float64 bits

	startTime time.Time
}

// New creates a stats tracker with uptime measured from now.
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

// IncReceived counts one message delivered by the transport.
func (s *Stats) IncReceived() { s.received.Add(1) }

// AddStored counts n messages durably stored.
func (s *Stats) AddStored(n int64) { s.stored.Add(n) }

// AddDropped counts n messages lost to backpressure.
func (s *Stats) AddDropped(n int64) { s.dropped.Add(n) }

// IncValidationError counts one message rejected by validation.
func (s *Stats) IncValidationError() { s.validationErrors.Add(1) }

// IncStorageError counts one failed batch write.
func (s *Stats) IncStorageError() { s.storageErrors.Add(1) }

// IncReconnect counts one successful transport reconnection.
func (s *Stats) IncReconnect() { s.reconnects.Add(1) }

// IncBatchesProcessed counts one successfully flushed batch.
func (s *Stats) IncBatchesProcessed() { s.batchesProcessed.Add(1) }

// SetBufferUsage records current buffer occupancy as a percentage.
func (s *Stats) SetBufferUsage(pct float64) {
	s.bufferUsageBits.Store(math.Float64bits(pct))
}

// Received returns the received counter.
func (s *Stats) Received() int64 { return s.received.Load() }

// Stored returns the stored counter.
func (s *Stats) Stored() int64 { return s.stored.Load() }

// Dropped returns the dropped counter.
func (s *Stats) Dropped() int64 { return s.dropped.Load() }

// ValidationErrors returns the validation error counter.
func (s *Stats) ValidationErrors() int64 { return s.validationErrors.Load() }

// StorageErrors returns the storage error counter.
func (s *Stats) StorageErrors() int64 { return s.storageErrors.Load() }

// Reconnects returns the reconnect counter.
func (s *Stats) Reconnects() int64 { return s.reconnects.Load() }

// BatchesProcessed returns the batch counter.
func (s *Stats) BatchesProcessed() int64 { return s.batchesProcessed.Load() }

// Snapshot is a point-in-time copy of every counter and gauge.
type Snapshot struct {
	Received           int64   `json:"received"`
	Stored             int64   `json:"stored"`
	Dropped            int64   `json:"dropped"`
	ValidationErrors   int64   `json:"validation_errors"`
	StorageErrors      int64   `json:"storage_errors"`
	Reconnects         int64   `json:"reconnects"`
	BatchesProcessed   int64   `json:"batches_processed"`
	BufferUsagePercent float64 `json:"buffer_usage_percent"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// Snapshot returns the current counter values. Counters are read
// individually; the snapshot is consistent enough for monitoring, not
// a transactional view.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Received:           s.received.Load(),
		Stored:             s.stored.Load(),
		Dropped:            s.dropped.Load(),
		ValidationErrors:   s.validationErrors.Load(),
		StorageErrors:      s.storageErrors.Load(),
		Reconnects:         s.reconnects.Load(),
		BatchesProcessed:   s.batchesProcessed.Load(),
		BufferUsagePercent: math.Float64frombits(s.bufferUsageBits.Load()),
		UptimeSeconds:      time.Since(s.startTime).Seconds(),
	}
}
