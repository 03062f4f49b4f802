package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleSpacesReleases(t *testing.T) {
	th := NewThrottle(15*time.Millisecond, 0)
	var (
		mu       sync.Mutex
		releases []time.Time
		wg       sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at, err := th.Wait(context.Background())
			require.NoError(t, err)
			mu.Lock()
			releases = append(releases, at)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, releases, 6)
	sortTimes(releases)
	for i := 1; i < len(releases); i++ {
		assert.GreaterOrEqual(t, releases[i].Sub(releases[i-1]), 15*time.Millisecond)
	}
}

func TestThrottleNilIsNoop(t *testing.T) {
	var th *Throttle
	_, err := th.Wait(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, th.Defer(context.Background(), time.Second))
	assert.Zero(t, th.Interval())
}

func TestThrottleCancelWhileWaiting(t *testing.T) {
	th := NewThrottle(time.Second, 0)
	_, err := th.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = th.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestThrottleDefer(t *testing.T) {
	th := NewThrottle(0, 0)
	require.NoError(t, th.Defer(context.Background(), 40*time.Millisecond))
	start := time.Now()
	_, err := th.Wait(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestThrottleBudget(t *testing.T) {
	// 600/min is 10/s with a burst of 60; the first calls go straight through.
	th := NewThrottle(0, 600)
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := th.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}
