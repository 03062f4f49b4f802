package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klines/internal/timeframe"
)

func TestNextTimes(t *testing.T) {
	s := NewAligned(context.Background(), time.Hour, 10*time.Second)
	now := time.Date(2024, 3, 1, 10, 20, 0, 0, time.UTC)

	nextClose, wakeAt, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), nextClose)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 10, 0, time.UTC), wakeAt)
	assert.Equal(t, 40*time.Minute+10*time.Second, wait)

	// 收盘后、offset 之前醒来时仍然等当前这根
	nextClose, _, wait = s.nextTimes(time.Date(2024, 3, 1, 11, 0, 5, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), nextClose)
	assert.Equal(t, 5*time.Second, wait)

	nextClose, _, _ = s.nextTimes(time.Date(2024, 3, 1, 11, 0, 10, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), nextClose)
}

func TestAlignedRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAligned(ctx, 20*time.Millisecond, 0)
	s.RunImmediately = true

	var mu sync.Mutex
	var ticks []time.Time
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(func(closeAt time.Time) {
			mu.Lock()
			ticks = append(ticks, closeAt)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, tick := range ticks {
		assert.Zero(t, tick.UnixNano()%int64(20*time.Millisecond), "tick %d not aligned", i)
	}
}

func TestAlignedRejectsBadInterval(t *testing.T) {
	called := false
	NewAligned(context.Background(), 0, 0).Start(func(time.Time) { called = true })
	assert.False(t, called)
}

func TestClosedEnd(t *testing.T) {
	tf, err := timeframe.Parse("1h")
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 11, 0, 5, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ClosedEnd(tf, now, DefaultKlineGrace))
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), ClosedEnd(tf, now, 0))
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), ClosedEnd(tf, now.Add(time.Minute), DefaultKlineGrace))
}

func TestClosedEndCalendar(t *testing.T) {
	week, err := timeframe.Parse("1w")
	require.NoError(t, err)
	month, err := timeframe.Parse("1M")
	require.NoError(t, err)

	// 周五中午，本周一开盘的周线还没收
	friday := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ClosedEnd(week, friday, DefaultKlineGrace))
	monday := time.Date(2024, 1, 8, 0, 0, 5, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ClosedEnd(week, monday, DefaultKlineGrace))
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), ClosedEnd(week, monday, 0))

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ClosedEnd(month, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), DefaultKlineGrace))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), ClosedEnd(month, time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC), DefaultKlineGrace))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ClosedEnd(month, time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC), 0))
}
