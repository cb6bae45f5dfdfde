package subindex

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
)

func key(instrument string, kind market.DataKind) market.StreamKey {
	return market.StreamKey{InstrumentID: instrument, Kind: kind}
}

func TestIndex_SubscribeAndResolve(t *testing.T) {
	idx := New(10, 100)

	subID, err := idx.Subscribe("conn-1", key("AAPL", market.KindQuote), 0)
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	targets := idx.Resolve(key("AAPL", market.KindQuote))
	require.Len(t, targets, 1)
	assert.Equal(t, "conn-1", targets[0].ConnID)
	assert.Equal(t, subID, targets[0].SubscriptionID)

	// A different stream resolves to nothing
	assert.Empty(t, idx.Resolve(key("AAPL", market.KindTrade)))
	assert.Empty(t, idx.Resolve(key("TSLA", market.KindQuote)))
}

func TestIndex_DuplicateSubscribeIsIdempotent(t *testing.T) {
	idx := New(10, 100)

	first, err := idx.Subscribe("conn-1", key("AAPL", market.KindQuote), 0)
	require.NoError(t, err)

	second, err := idx.Subscribe("conn-1", key("AAPL", market.KindQuote), 0)
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate subscribe returns the existing id")

	assert.Equal(t, 1, idx.Count("conn-1"))
	assert.Equal(t, 1, idx.Total())
	assert.Len(t, idx.Resolve(key("AAPL", market.KindQuote)), 1)
}

func TestIndex_PerConnectionCap(t *testing.T) {
	idx := New(5, 100)

	for i := 0; i < 5; i++ {
		_, err := idx.Subscribe("conn-1", key(fmt.Sprintf("SYM%d", i), market.KindQuote), 0)
		require.NoError(t, err)
	}

	_, err := idx.Subscribe("conn-1", key("SYM5", market.KindQuote), 0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeLimitExceeded, errors.ClientCode(err))
	assert.Equal(t, 5, idx.Count("conn-1"), "failed subscribe leaves no partial state")

	// The duplicate path is still idempotent at the cap
	_, err = idx.Subscribe("conn-1", key("SYM0", market.KindQuote), 0)
	assert.NoError(t, err)
}

func TestIndex_GlobalCap(t *testing.T) {
	idx := New(10, 3)

	for i := 0; i < 3; i++ {
		_, err := idx.Subscribe(fmt.Sprintf("conn-%d", i), key("AAPL", market.KindQuote), 0)
		require.NoError(t, err)
	}

	_, err := idx.Subscribe("conn-9", key("AAPL", market.KindQuote), 0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeLimitExceeded, errors.ClientCode(err))
	assert.Equal(t, 3, idx.Total())
}

func TestIndex_Unsubscribe(t *testing.T) {
	idx := New(10, 100)

	subID, err := idx.Subscribe("conn-1", key("AAPL", market.KindQuote), 0)
	require.NoError(t, err)

	assert.True(t, idx.Unsubscribe("conn-1", subID))
	assert.Empty(t, idx.Resolve(key("AAPL", market.KindQuote)))
	assert.Equal(t, 0, idx.Total())

	// Unknown ids and repeated unsubscribes report false
	assert.False(t, idx.Unsubscribe("conn-1", subID))
	assert.False(t, idx.Unsubscribe("conn-1", "no-such-sub"))
	assert.False(t, idx.Unsubscribe("no-such-conn", subID))
}

func TestIndex_CleanupRemovesAll(t *testing.T) {
	idx := New(20, 100)

	keys := make([]market.StreamKey, 10)
	for i := range keys {
		keys[i] = key(fmt.Sprintf("SYM%d", i), market.KindQuote)
		_, err := idx.Subscribe("conn-1", keys[i], 0)
		require.NoError(t, err)
	}
	_, err := idx.Subscribe("conn-2", keys[0], 0)
	require.NoError(t, err)

	removed := idx.Cleanup("conn-1")
	assert.Equal(t, 10, removed)
	assert.Equal(t, 1, idx.Total())

	for _, k := range keys {
		for _, target := range idx.Resolve(k) {
			assert.NotEqual(t, "conn-1", target.ConnID,
				"resolve must never return a cleaned-up connection")
		}
	}

	// Idempotent
	assert.Equal(t, 0, idx.Cleanup("conn-1"))
}

func TestIndex_ResolveSelfHealsDanglingEntries(t *testing.T) {
	dead := map[string]bool{}
	idx := New(10, 100, WithLivenessCheck(func(connID string) bool {
		return !dead[connID]
	}))

	_, err := idx.Subscribe("conn-live", key("AAPL", market.KindQuote), 0)
	require.NoError(t, err)
	_, err = idx.Subscribe("conn-dead", key("AAPL", market.KindQuote), 0)
	require.NoError(t, err)

	dead["conn-dead"] = true

	targets := idx.Resolve(key("AAPL", market.KindQuote))
	require.Len(t, targets, 1)
	assert.Equal(t, "conn-live", targets[0].ConnID)

	// The dangling entry is gone for good, not just filtered
	dead["conn-dead"] = false
	targets = idx.Resolve(key("AAPL", market.KindQuote))
	require.Len(t, targets, 1)
	assert.Equal(t, "conn-live", targets[0].ConnID)
}

func TestIndex_ResolveCarriesParams(t *testing.T) {
	idx := New(10, 100)

	_, err := idx.Subscribe("conn-1", key("AAPL", market.KindQuote), 500)
	require.NoError(t, err)

	targets := idx.Resolve(key("AAPL", market.KindQuote))
	require.Len(t, targets, 1)
	assert.Equal(t, 500, targets[0].MaxFrequencyMs)
}

func TestIndex_StreamCount(t *testing.T) {
	idx := New(10, 100)

	_, _ = idx.Subscribe("conn-1", key("AAPL", market.KindQuote), 0)
	_, _ = idx.Subscribe("conn-2", key("AAPL", market.KindQuote), 0)
	_, _ = idx.Subscribe("conn-1", key("AAPL", market.KindTrade), 0)
	assert.Equal(t, 2, idx.StreamCount())

	idx.Cleanup("conn-1")
	assert.Equal(t, 1, idx.StreamCount())
}

func TestIndex_ResolveDoesNotSerializeAcrossShards(t *testing.T) {
	release := make(chan struct{})
	parked := make(chan struct{})
	var park atomic.Bool
	idx := New(10, 100, WithLivenessCheck(func(connID string) bool {
		if park.Load() && connID == "conn-slow" {
			close(parked)
			<-release
		}
		return true
	}))

	slowKey := key("AAPL", market.KindQuote)
	_, err := idx.Subscribe("conn-slow", slowKey, 0)
	require.NoError(t, err)

	// Pick a stream that lands on a different shard than the parked one.
	var fastKey market.StreamKey
	for i := 0; ; i++ {
		fastKey = key(fmt.Sprintf("SYM%d", i), market.KindTrade)
		if idx.shardFor(fastKey) != idx.shardFor(slowKey) {
			break
		}
	}
	_, err = idx.Subscribe("conn-fast", fastKey, 0)
	require.NoError(t, err)

	park.Store(true)
	go idx.Resolve(slowKey)
	<-parked

	done := make(chan []Target, 1)
	go func() { done <- idx.Resolve(fastKey) }()

	select {
	case targets := <-done:
		require.Len(t, targets, 1)
		assert.Equal(t, "conn-fast", targets[0].ConnID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("resolve on an unrelated shard blocked behind another resolve")
	}

	// Per-connection queries stay responsive too.
	countDone := make(chan int, 1)
	go func() { countDone <- idx.Count("conn-fast") }()
	select {
	case n := <-countDone:
		assert.Equal(t, 1, n)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("ledger query blocked behind a parked resolve")
	}

	close(release)
}

func TestIndex_ConcurrentChurn(t *testing.T) {
	idx := New(100, 100_000)

	const conns = 16
	const streams = 8

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				k := key(fmt.Sprintf("SYM%d", i%streams), market.KindQuote)
				subID, err := idx.Subscribe(connID, k, 0)
				if err != nil {
					t.Errorf("subscribe failed: %v", err)
					return
				}
				if i%3 == 0 {
					idx.Unsubscribe(connID, subID)
				}
			}
		}(fmt.Sprintf("conn-%d", c))
	}

	// Readers hammer resolve concurrently
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				idx.Resolve(key(fmt.Sprintf("SYM%d", i%streams), market.KindQuote))
			}
		}()
	}

	wg.Wait()

	// Ledger and shards agree after the dust settles
	total := 0
	for c := 0; c < conns; c++ {
		total += idx.Count(fmt.Sprintf("conn-%d", c))
	}
	assert.Equal(t, total, idx.Total())
}
