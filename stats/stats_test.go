package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAndSnapshot(t *testing.T) {
	s := New()

	s.IncReceived()
	s.IncReceived()
	s.AddStored(5)
	s.AddDropped(2)
	s.IncValidationError()
	s.IncStorageError()
	s.IncReconnect()
	s.IncBatchesProcessed()
	s.SetBufferUsage(37.5)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.Received)
	assert.Equal(t, int64(5), snap.Stored)
	assert.Equal(t, int64(2), snap.Dropped)
	assert.Equal(t, int64(1), snap.ValidationErrors)
	assert.Equal(t, int64(1), snap.StorageErrors)
	assert.Equal(t, int64(1), snap.Reconnects)
	assert.Equal(t, int64(1), snap.BatchesProcessed)
	assert.Equal(t, 37.5, snap.BufferUsagePercent)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

func TestConcurrentIncrements(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.IncReceived()
				s.AddStored(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), s.Received())
	assert.Equal(t, int64(1000), s.Stored())
}
