package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"klines/internal/exchange"
	"klines/internal/exchange/fake"
	"klines/internal/market"
	"klines/internal/timeframe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

func newClient(tr exchange.Transport) *exchange.Client {
	return exchange.NewClient(tr, exchange.Options{
		RetryLimit:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		CallTimeout: time.Second,
	})
}

func hourly(from, to time.Duration) market.FetchRequest {
	return market.FetchRequest{Symbol: "BTCUSDT", Timeframe: "1h", Start: base.Add(from), End: base.Add(to)}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(_ string, st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[len(s.states)-1]
}

func TestRunPagesHourly(t *testing.T) {
	tr := fake.New().Generate("BTCUSDT", "1h", base, base.Add(5*time.Hour), nil)
	loop := New(newClient(tr), Options{MaxRows: 2})

	batches, err := loop.Collect(context.Background(), hourly(0, 5*time.Hour))
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{batches[0].Len(), batches[1].Len(), batches[2].Len()})
	assert.Equal(t, base.Add(4*time.Hour).UnixMilli(), batches[2].From)
	assert.Equal(t, base.Add(5*time.Hour).UnixMilli(), batches[2].To)

	calls := tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 1, calls[2].Query.Limit)
	assert.Equal(t, base.Add(2*time.Hour).UnixMilli(), calls[1].Query.Since)
}

func TestRunEmptyMiddleWindowContinues(t *testing.T) {
	gapFrom, gapTo := base.Add(2*time.Hour).UnixMilli(), base.Add(4*time.Hour).UnixMilli()
	tr := fake.New().Generate("BTCUSDT", "1h", base, base.Add(5*time.Hour), func(ts int64) bool {
		return ts >= gapFrom && ts < gapTo
	})
	states := &stateLog{}
	var progress []Progress
	loop := New(newClient(tr), Options{
		MaxRows:    2,
		OnState:    states.record,
		OnProgress: func(p Progress) { progress = append(progress, p) },
	})

	batches, err := loop.Collect(context.Background(), hourly(0, 5*time.Hour))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, base.Add(4*time.Hour).UnixMilli(), batches[1].Candles[0].OpenTime)
	assert.Len(t, tr.Calls(), 3)
	assert.Equal(t, StateDone, states.last())
	assert.Equal(t, StatePending, states.states[0])
	assert.Contains(t, states.states, StateAccumulating)

	require.Len(t, progress, 3)
	assert.Equal(t, 0, progress[1].Rows)
	assert.Equal(t, 3, progress[2].Done)
	assert.Equal(t, 3, progress[2].Total)
	assert.Equal(t, 3, progress[2].Emitted)
}

func monthly(months int) market.Candles {
	var cs market.Candles
	for i := 0; i < months; i++ {
		open, next := base.AddDate(0, i, 0), base.AddDate(0, i+1, 0)
		cs = append(cs, fake.Candle(open.UnixMilli(), next.Sub(open).Milliseconds()))
	}
	return cs
}

func TestRunCalendarMonths(t *testing.T) {
	tr := fake.New().Set("BTCUSDT", monthly(5))
	loop := New(newClient(tr), Options{MaxRows: 500})
	req := market.FetchRequest{Symbol: "BTCUSDT", Timeframe: "1M", Start: base, End: time.Date(2022, 3, 2, 0, 0, 0, 0, time.UTC)}

	batches, err := loop.Collect(context.Background(), req)
	require.NoError(t, err)
	all := market.Flatten(batches)
	require.Len(t, all, 3)
	assert.Equal(t, time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), all[2].OpenTime)

	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 3, calls[0].Query.Limit)
}

func TestRunCalendarMonthsFullPageContinues(t *testing.T) {
	tr := fake.New().Set("BTCUSDT", monthly(5))
	loop := New(newClient(tr), Options{MaxRows: 2})
	req := market.FetchRequest{Symbol: "BTCUSDT", Timeframe: "1M", Start: base, End: time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)}

	batches, err := loop.Collect(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 3, batches[0].Len())
	all := market.Flatten(batches)
	require.Len(t, all, 4)
	assert.True(t, all.StrictlyAscending())
	for i, c := range all {
		assert.Equal(t, base.AddDate(0, i, 0).UnixMilli(), c.OpenTime)
	}

	// 第一个窗口满页后从二月之后续拉一次
	calls := tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, time.Date(2022, 2, 1, 0, 0, 0, 1_000_000, time.UTC).UnixMilli(), calls[1].Query.Since)
	assert.Equal(t, batches[0].To, calls[1].Query.Until)
}

func TestRunWeeklyMondayOpens(t *testing.T) {
	monday := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	tr := fake.New().Generate("BTCUSDT", "1w", monday.AddDate(0, 0, -7), monday.AddDate(0, 0, 70), nil)
	loop := New(newClient(tr), Options{MaxRows: 4})
	// 2022-01-01 是周六，区间内第一根周线是 01-03
	req := market.FetchRequest{Symbol: "BTCUSDT", Timeframe: "1w", Start: base, End: monday.AddDate(0, 0, 42)}

	batches, err := loop.Collect(context.Background(), req)
	require.NoError(t, err)
	all := market.Flatten(batches)
	require.Len(t, all, 6)
	for i, c := range all {
		assert.Equal(t, monday.AddDate(0, 0, 7*i).UnixMilli(), c.OpenTime)
		assert.Equal(t, time.Monday, time.UnixMilli(c.OpenTime).UTC().Weekday())
	}
	assert.Len(t, tr.Calls(), 2)
}

func TestRunStrictlyAscendingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tfs := []string{"1m", "5m", "1h", "4h", "1d"}
	for i := 0; i < 40; i++ {
		tf := tfs[rng.Intn(len(tfs))]
		step, err := timeframe.DurationMs(tf)
		require.NoError(t, err)
		span := time.Duration(step*int64(1+rng.Intn(300))) * time.Millisecond
		offset := time.Duration(rng.Intn(5)) * time.Minute

		tr := fake.New().Generate("BTCUSDT", tf, base.Add(-time.Hour), base.Add(span+time.Hour), func(int64) bool {
			return rng.Intn(10) == 0
		})
		tr.Reverse = i%2 == 0
		loop := New(newClient(tr), Options{MaxRows: 1 + rng.Intn(50)})
		req := market.FetchRequest{Symbol: "BTCUSDT", Timeframe: tf, Start: base.Add(offset), End: base.Add(offset + span)}

		batches, err := loop.Collect(context.Background(), req)
		require.NoError(t, err)
		all := market.Flatten(batches)
		assert.True(t, all.StrictlyAscending(), "iteration %d", i)
		for _, c := range all {
			assert.GreaterOrEqual(t, c.OpenTime, req.Start.UnixMilli())
			assert.Less(t, c.OpenTime, req.End.UnixMilli())
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	tr := fake.New().Generate("BTCUSDT", "15m", base, base.Add(48*time.Hour), nil)
	loop := New(newClient(tr), Options{MaxRows: 37})
	req := market.FetchRequest{Symbol: "BTCUSDT", Timeframe: "15m", Start: base, End: base.Add(40 * time.Hour)}

	first, err := loop.Collect(context.Background(), req)
	require.NoError(t, err)
	second, err := loop.Collect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, market.Flatten(first), 160)
}

func TestRunFailureKeepsDeliveredBatches(t *testing.T) {
	tr := fake.New().Generate("BTCUSDT", "1h", base, base.Add(5*time.Hour), nil)
	tr.FailWith("BTCUSDT", nil, exchange.FromStatus(400, -1100, "Illegal characters", 0))
	states := &stateLog{}
	loop := New(newClient(tr), Options{MaxRows: 2, OnState: states.record})

	batches, err := loop.Collect(context.Background(), hourly(0, 5*time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrUpstream)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, StateFailed, states.last())
	assert.Len(t, tr.Calls(), 2)
}

func TestRunInvalidTimeframeBeforeNetwork(t *testing.T) {
	tr := fake.New()
	loop := New(newClient(tr), Options{})
	req := hourly(0, time.Hour)
	req.Timeframe = "7m"

	_, err := loop.Collect(context.Background(), req)
	assert.ErrorIs(t, err, timeframe.ErrInvalidTimeframe)
	assert.Empty(t, tr.Calls())
	assert.Zero(t, loop.Windows(req))
}

func TestRunInvalidRange(t *testing.T) {
	tr := fake.New()
	loop := New(newClient(tr), Options{})
	_, err := loop.Collect(context.Background(), hourly(time.Hour, 0))
	assert.ErrorIs(t, err, market.ErrInvalidRequest)
	assert.Empty(t, tr.Calls())
}

func TestBatchesEarlyBreak(t *testing.T) {
	tr := fake.New().Generate("BTCUSDT", "1h", base, base.Add(10*time.Hour), nil)
	states := &stateLog{}
	loop := New(newClient(tr), Options{MaxRows: 2, OnState: states.record})

	n := 0
	for b, err := range loop.Batches(context.Background(), hourly(0, 10*time.Hour)) {
		require.NoError(t, err)
		assert.Equal(t, 2, b.Len())
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.Len(t, tr.Calls(), 1)
	assert.Equal(t, StateDone, states.last())
}

func TestBatchesDeliversError(t *testing.T) {
	tr := fake.New()
	loop := New(newClient(tr), Options{})
	var errs []error
	for _, err := range loop.Batches(context.Background(), hourly(0, time.Hour)) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], exchange.ErrInvalidSymbol)
}

func TestRunYieldErrorFails(t *testing.T) {
	tr := fake.New().Generate("BTCUSDT", "1h", base, base.Add(5*time.Hour), nil)
	loop := New(newClient(tr), Options{MaxRows: 2})
	boom := errors.New("disk full")
	err := loop.Run(context.Background(), hourly(0, 5*time.Hour), func(market.Batch) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Len(t, tr.Calls(), 1)
}

func TestRunCancelled(t *testing.T) {
	tr := fake.New().Generate("BTCUSDT", "1h", base, base.Add(5*time.Hour), nil)
	loop := New(newClient(tr), Options{MaxRows: 1})
	ctx, cancel := context.WithCancel(context.Background())
	err := loop.Run(ctx, hourly(0, 5*time.Hour), func(market.Batch) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, tr.Calls(), 1)
}

type mockAdapter struct{ mock.Mock }

func (m *mockAdapter) Fetch(ctx context.Context, q exchange.Query) (market.Batch, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(market.Batch), args.Error(1)
}

func (m *mockAdapter) Close() error { return m.Called().Error(0) }

func TestRunDropsRowsOutsideWindowAndRepeats(t *testing.T) {
	step := time.Hour.Milliseconds()
	b0 := base.UnixMilli()
	m := &mockAdapter{}
	m.On("Fetch", mock.Anything, mock.MatchedBy(func(q exchange.Query) bool { return q.Since == b0 })).
		Return(market.Batch{Candles: market.Candles{fake.Candle(b0-step, step), fake.Candle(b0, step), fake.Candle(b0+step, step), fake.Candle(b0+2*step, step)}}, nil)
	m.On("Fetch", mock.Anything, mock.MatchedBy(func(q exchange.Query) bool { return q.Since == b0+2*step })).
		Return(market.Batch{Candles: market.Candles{fake.Candle(b0+step, step), fake.Candle(b0+2*step, step), fake.Candle(b0+2*step, step)}}, nil)
	m.On("Close").Return(nil)

	loop := New(m, Options{MaxRows: 2})
	batches, err := loop.Collect(context.Background(), hourly(0, 3*time.Hour))
	require.NoError(t, err)
	all := market.Flatten(batches)
	require.Len(t, all, 3)
	assert.True(t, all.StrictlyAscending())
	assert.NoError(t, loop.Close())
	m.AssertExpectations(t)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ACCUMULATING", StateAccumulating.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
