package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	log := zerolog.Nop()
	return New(&log, nil)
}

func TestGetFetchesOnceThenServesCached(t *testing.T) {
	c := newTestCache()
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return []string{"a", "b"}, nil
	}

	res := c.Get(context.Background(), "k", fetch, true)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"a", "b"}, res.Value)

	res = c.Get(context.Background(), "k", fetch, true)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second get must not fetch")
}

func TestGetDisabledReportsPending(t *testing.T) {
	c := newTestCache()
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return 1, nil
	}

	res := c.Get(context.Background(), "k", fetch, false)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Value)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestConcurrentGetsCollapseIntoOneFetch(t *testing.T) {
	c := newTestCache()
	var calls int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return "value", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(context.Background(), "k", fetch, true)
		}(i)
	}

	// Let every goroutine reach the fetch before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "in-flight fetch must be shared")
	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, "value", res.Value)
	}
}

func TestInvalidateWithoutConsumersDefersFetch(t *testing.T) {
	c := newTestCache()
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&calls, 1), nil
	}

	c.Get(context.Background(), "k", fetch, true)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))

	c.Invalidate("k")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "no consumer, no eager re-fetch")

	res := c.Get(context.Background(), "k", fetch, true)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "next get pays for the refresh")
}

func TestInvalidateWithActiveConsumerRefetchesImmediately(t *testing.T) {
	c := newTestCache()
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&calls, 1), nil
	}

	c.Acquire("k")
	defer c.Release("k")

	c.Get(context.Background(), "k", fetch, true)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))

	c.Invalidate("k")
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) == 2
	}, time.Second, 5*time.Millisecond, "active consumer must trigger a background re-fetch")
}

func TestInvalidateDuringInFlightFetchStillRefetches(t *testing.T) {
	c := newTestCache()
	c.Acquire("k")
	defer c.Release("k")

	release := make(chan struct{})
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			<-release
			return "before-change", nil
		}
		return "after-change", nil
	}

	done := make(chan Result, 1)
	go func() { done <- c.Get(context.Background(), "k", fetch, true) }()
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) == 1
	}, time.Second, time.Millisecond, "first fetch must be in flight")

	// The row changes while the fetch is still out; its result is
	// already outdated when it lands.
	c.Invalidate("k")
	close(release)
	<-done

	assert.Eventually(t, func() bool {
		res := c.Get(context.Background(), "k", fetch, true)
		return res.Err == nil && res.Value == "after-change"
	}, time.Second, 5*time.Millisecond, "the superseded result must not be served as fresh")
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "invalidation must reach the backend, not join the old fetch")
}

func TestFetchErrorPropagatesAndIsNotRetried(t *testing.T) {
	c := newTestCache()
	var calls int64
	boom := errors.New("backend down")
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, boom
	}

	res := c.Get(context.Background(), "k", fetch, true)
	assert.ErrorIs(t, res.Err, boom)

	// The cache never retries on its own; the error stays until an
	// explicit invalidation.
	res = c.Get(context.Background(), "k", fetch, true)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	c.Invalidate("k")
	res = c.Get(context.Background(), "k", fetch, true)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestSweepRemovesOnlyUnconsumedEntries(t *testing.T) {
	c := newTestCache()
	fetch := func(ctx context.Context) (any, error) { return 1, nil }

	c.Acquire("held")
	c.Get(context.Background(), "held", fetch, true)
	c.Get(context.Background(), "loose", fetch, true)
	require.Equal(t, 2, c.Len())

	removed := c.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Peek("held")
	assert.True(t, ok)
	_, ok = c.Peek("loose")
	assert.False(t, ok)
}

func TestKeysAreDeterministic(t *testing.T) {
	assert.Equal(t, EventsKey("org-1"), EventsKey("org-1"))
	assert.NotEqual(t, EventsKey("org-1"), EventsKey("org-2"))
	assert.NotEqual(t, EventsKey("org-1"), RegistrationsKey("org-1"))
}
