package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	b, err := New[int](10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, b.Push(i))
	}
	assert.Equal(t, 5, b.Size())

	got := b.GetBatch(3)
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 2, b.Size())

	rest := b.Flush()
	assert.Equal(t, []int{3, 4}, rest)
	assert.True(t, b.IsEmpty())
}

func TestRejectNewestOnePastCapacity(t *testing.T) {
	const capacity = 5
	b, err := New[int](capacity)
	require.NoError(t, err)

	accepted := 0
	for i := 0; i < capacity+1; i++ {
		if b.Push(i) {
			accepted++
		}
	}

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, capacity, b.Size())
	assert.Equal(t, int64(1), b.Stats().Drops())

	// The rejected item is the newest; the oldest survives.
	got := b.Flush()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestEvictOldestPolicy(t *testing.T) {
	var dropped []int
	b, err := New[int](3,
		WithPolicy[int](EvictOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, b.Push(i))
	}

	assert.Equal(t, []int{0, 1}, dropped)
	assert.Equal(t, []int{2, 3, 4}, b.Flush())
	assert.Equal(t, int64(2), b.Stats().Drops())
}

func TestGetBatchMoreThanAvailable(t *testing.T) {
	b, err := New[string](10)
	require.NoError(t, err)

	b.Push("a")
	b.Push("b")

	got := b.GetBatch(100)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Nil(t, b.GetBatch(5))
	assert.Nil(t, b.GetBatch(0))
}

func TestWrapAround(t *testing.T) {
	b, err := New[int](4)
	require.NoError(t, err)

	// Push and pop repeatedly so head/tail wrap the ring several times.
	next := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, b.Push(next))
			next++
		}
		got := b.GetBatch(3)
		require.Len(t, got, 3)
		for i := 1; i < len(got); i++ {
			assert.Equal(t, got[i-1]+1, got[i])
		}
	}
	assert.True(t, b.IsEmpty())
}

func TestUsagePercent(t *testing.T) {
	b, err := New[int](4)
	require.NoError(t, err)

	assert.Equal(t, 0.0, b.UsagePercent())
	b.Push(1)
	assert.Equal(t, 25.0, b.UsagePercent())
	b.Push(2)
	b.Push(3)
	b.Push(4)
	assert.Equal(t, 100.0, b.UsagePercent())
	assert.True(t, b.IsFull())
}

func TestHighWaterMarkOneShot(t *testing.T) {
	var mu sync.Mutex
	fired := 0

	b, err := New[int](10, WithHighWaterMark[int](0.8, func(size, capacity int) {
		mu.Lock()
		fired++
		mu.Unlock()
	}))
	require.NoError(t, err)

	// Fill to the mark: fires exactly once.
	for i := 0; i < 9; i++ {
		b.Push(i)
	}
	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()

	// Staying above the mark does not re-fire.
	b.Push(9)
	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()

	// Drop below the mark, cross again: fires a second time.
	b.GetBatch(5)
	for i := 0; i < 5; i++ {
		b.Push(i)
	}
	mu.Lock()
	assert.Equal(t, 2, fired)
	mu.Unlock()

	assert.Equal(t, int64(2), b.Stats().HighWaterEvents())
}

func TestCloseRefusesPush(t *testing.T) {
	b, err := New[int](4)
	require.NoError(t, err)

	b.Push(1)
	require.NoError(t, b.Close())

	assert.False(t, b.Push(2))

	// Buffered items remain drainable after close.
	assert.Equal(t, []int{1}, b.Flush())
}

func TestPeek(t *testing.T) {
	b, err := New[int](4)
	require.NoError(t, err)

	_, ok := b.Peek()
	assert.False(t, ok)

	b.Push(7)
	v, ok := b.Peek()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, b.Size())
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 1000
	b, err := New[int](100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	consumed := make([]int, 0, total)
	var consumedMu sync.Mutex
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			batch := b.GetBatch(25)
			if len(batch) > 0 {
				consumedMu.Lock()
				consumed = append(consumed, batch...)
				consumedMu.Unlock()
				continue
			}
			select {
			case <-done:
				consumedMu.Lock()
				consumed = append(consumed, b.Flush()...)
				consumedMu.Unlock()
				return
			default:
			}
		}
	}()

	pushed := 0
	for i := 0; i < total; i++ {
		if b.Push(i) {
			pushed++
		}
	}
	close(done)
	wg.Wait()

	// Every accepted item comes out exactly once, in increasing order
	// (single producer, FIFO buffer).
	assert.Len(t, consumed, pushed)
	for i := 1; i < len(consumed); i++ {
		assert.Less(t, consumed[i-1], consumed[i])
	}

	stats := b.Stats().Summary()
	assert.Equal(t, int64(pushed), stats.Pushes)
	assert.Equal(t, int64(pushed), stats.Pops)
	assert.Equal(t, int64(total-pushed), stats.Drops)
}

func TestStatisticsSummary(t *testing.T) {
	b, err := New[int](2)
	require.NoError(t, err)

	b.Push(1)
	b.Push(2)
	b.Push(3) // rejected
	b.GetBatch(1)

	s := b.Stats().Summary()
	assert.Equal(t, int64(2), s.Pushes)
	assert.Equal(t, int64(1), s.Pops)
	assert.Equal(t, int64(1), s.Drops)
	assert.Equal(t, int64(1), s.CurrentSize)
	assert.Equal(t, int64(2), s.MaxSize)
	assert.InDelta(t, 1.0/3.0, s.DropRate, 0.001)
}

func BenchmarkPush(b *testing.B) {
	buf, err := New[int](b.N + 1)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Push(i)
	}
}

func BenchmarkPushPopParallel(b *testing.B) {
	buf, err := New[int](1024)
	if err != nil {
		b.Fatal(err)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%2 == 0 {
				buf.Push(i)
			} else {
				buf.GetBatch(1)
			}
			i++
		}
	})
}

func ExampleBuffer() {
	b, _ := New[string](2)
	b.Push("first")
	b.Push("second")
	accepted := b.Push("third")
	fmt.Println(accepted, b.GetBatch(2))
	// Output: false [first second]
}

func TestSnapshotNonDestructive(t *testing.T) {
	buf, err := New[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.True(t, buf.Push(i))
	}

	snap := buf.Snapshot()
	assert.Equal(t, []int{1, 2, 3}, snap)
	assert.Equal(t, 3, buf.Size())

	// Snapshot sees wrapped contents in push order.
	require.True(t, buf.Push(4))
	buf.GetBatch(2)
	require.True(t, buf.Push(5))
	assert.Equal(t, []int{3, 4, 5}, buf.Snapshot())
}

func TestPushBatchPartialAcceptance(t *testing.T) {
	buf, err := New[int](3)
	require.NoError(t, err)

	accepted := buf.PushBatch([]int{1, 2, 3, 4, 5})
	assert.Equal(t, 3, accepted)
	assert.Equal(t, []int{1, 2, 3}, buf.Flush())

	evicting, err := New[int](3, WithPolicy[int](EvictOldest))
	require.NoError(t, err)

	accepted = evicting.PushBatch([]int{1, 2, 3, 4, 5})
	assert.Equal(t, 5, accepted)
	assert.Equal(t, []int{3, 4, 5}, evicting.Flush())
}
