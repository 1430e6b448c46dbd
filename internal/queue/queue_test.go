package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTryPutTryGetFIFOOrder(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryPut(i))
	}
	for i := 0; i < 5; i++ {
		v, ok := q.TryGet(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestTryPutRejectsWhenFull(t *testing.T) {
	q := New[int](2)
	require.NoError(t, q.TryPut(1))
	require.NoError(t, q.TryPut(2))
	assert.ErrorIs(t, q.TryPut(3), ErrQueueFull)
}

func TestTryGetTimesOutOnEmpty(t *testing.T) {
	q := New[int](0)
	start := time.Now()
	_, ok := q.TryGet(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTryGetUnblocksWhenItemArrives(t *testing.T) {
	q := New[int](0)
	done := make(chan struct{})
	go func() {
		v, ok := q.TryGet(time.Second)
		assert.True(t, ok)
		assert.Equal(t, 42, v)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.TryPut(42))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryGet did not unblock")
	}
}

func TestCloseRejectsFurtherPutsAndDrainsGets(t *testing.T) {
	q := New[int](0)
	require.NoError(t, q.TryPut(1))
	q.Close()
	assert.ErrorIs(t, q.TryPut(2), ErrQueueClosed)

	v, ok := q.TryGet(10 * time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.TryGet(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestDrainReturnsAllBufferedItems(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryPut(i))
	}
	drained := q.Drain()
	assert.Equal(t, []int{0, 1, 2}, drained)
	assert.Equal(t, 0, q.Len())
}

// TestFIFOOrderHolds is a property test: for any sequence of puts
// followed by gets, items come out in the order they went in, and the
// queue never reports more items drained than were put.
func TestFIFOOrderHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(rt, "n")
		q := New[int](0)
		for i := 0; i < n; i++ {
			require.NoError(rt, q.TryPut(i))
		}
		for i := 0; i < n; i++ {
			v, ok := q.TryGet(5 * time.Millisecond)
			require.True(rt, ok)
			if v != i {
				rt.Fatalf("expected %d got %d", i, v)
			}
		}
		_, ok := q.TryGet(time.Millisecond)
		require.False(rt, ok)
	})
}

func TestConcurrentProducersPreserveCount(t *testing.T) {
	q := New[int](0)
	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.TryPut(i))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, q.Len())
}
