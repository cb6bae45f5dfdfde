package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_WriteRead(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 3, buf.Size())

	for i := 1; i <= 3; i++ {
		got, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, got, "FIFO order")
	}

	_, ok := buf.Read()
	assert.False(t, ok, "empty buffer read")
}

func TestRing_DropOldest(t *testing.T) {
	var dropped []int
	buf, err := NewRing[int](3,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, buf.ReadBatch(10))
	assert.Equal(t, int64(2), buf.Stats().Drops())
}

func TestRing_DropNewest(t *testing.T) {
	buf, err := NewRing[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // dropped silently

	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
}

func TestRing_DropCallbackReentrant(t *testing.T) {
	// A callback that reads back into the buffer must not deadlock.
	var buf Buffer[int]
	sizes := make(chan int, 4)
	buf, err := NewRing[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(int) { sizes <- buf.Size() }),
	)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 3; i++ {
			assert.NoError(t, buf.Write(i))
		}
		buf.Clear()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drop callback deadlocked against the buffer lock")
	}
	close(sizes)
	count := 0
	for range sizes {
		count++
	}
	assert.Equal(t, 3, count, "one overflow drop plus two cleared items")
}

func TestRing_Reject(t *testing.T) {
	buf, err := NewRing[int](2, WithOverflowPolicy[int](Reject))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	assert.ErrorIs(t, buf.Write(3), ErrFull)

	// Contents untouched by the rejected write
	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))

	// Space freed, writes succeed again
	require.NoError(t, buf.Write(4))
}

func TestRing_ReadBatch(t *testing.T) {
	buf, err := NewRing[int](8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{0, 1, 2}, buf.ReadBatch(3))
	assert.Equal(t, 2, buf.Size())
	assert.Nil(t, buf.ReadBatch(0))
	assert.Equal(t, []int{3, 4}, buf.ReadBatch(100))
	assert.Nil(t, buf.ReadBatch(1), "empty buffer batch")
}

func TestRing_Wraparound(t *testing.T) {
	buf, err := NewRing[int](3)
	require.NoError(t, err)

	// Cycle through capacity several times to exercise index wrapping
	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, buf.Write(cycle*3+i))
		}
		got := buf.ReadBatch(3)
		assert.Equal(t, []int{cycle * 3, cycle*3 + 1, cycle*3 + 2}, got)
	}
}

func TestRing_PeekAndClear(t *testing.T) {
	var dropped int
	buf, err := NewRing[string](4, WithDropCallback[string](func(string) { dropped++ }))
	require.NoError(t, err)

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))

	got, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", got)
	assert.Equal(t, 2, buf.Size(), "peek does not consume")

	buf.Clear()
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 2, dropped, "clear reports dropped items")
}

func TestRing_CloseRejectsWrites(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	assert.ErrorIs(t, buf.Write(2), ErrClosed)

	// Buffered items remain readable after close
	got, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestRing_ConcurrentAccess(t *testing.T) {
	buf, err := NewRing[int](128)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	wg.Add(writers + 1)

	for w := 0; w < writers; w++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(base + i)
			}
		}(w * perWriter)
	}

	go func() {
		defer wg.Done()
		for i := 0; i < writers*perWriter; i++ {
			buf.Read()
		}
	}()

	wg.Wait()

	// Every write is accounted for: read, dropped, or still buffered
	stats := buf.Stats()
	assert.Equal(t, int64(writers*perWriter), stats.Writes())
	assert.Equal(t, stats.Writes(), stats.Reads()+stats.Drops()+int64(buf.Size()))
}

func TestRing_MinimumCapacity(t *testing.T) {
	buf, err := NewRing[int](0)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Capacity())
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Reject", Reject.String())
	assert.Equal(t, "Unknown", OverflowPolicy(99).String())
}
