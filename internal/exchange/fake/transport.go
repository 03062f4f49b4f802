// Package fake provides a deterministic in-memory exchange.Transport that
// serves generated klines the way the Binance endpoint pages them.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"klines/internal/exchange"
	"klines/internal/market"
	"klines/internal/timeframe"

	"github.com/shopspring/decimal"
)

// Call records one Klines invocation.
type Call struct {
	Query exchange.Query
	At    time.Time
}

// Transport answers from a fixed candle history per symbol. Errors can be
// scripted per symbol and per call index; Delay simulates latency.
type Transport struct {
	mu       sync.Mutex
	history  map[string]market.Candles
	failures map[string][]error
	calls    []Call
	inFlight int
	peak     int
	closed   bool

	Delay time.Duration
	// Reverse returns rows newest first, to exercise client-side sorting.
	Reverse bool
}

var _ exchange.Transport = (*Transport)(nil)
var _ exchange.MarketLister = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		history:  make(map[string]market.Candles),
		failures: make(map[string][]error),
	}
}

// Generate fills symbol with one candle per bucket of tf in [start, end),
// skipping buckets for which skip returns true. Prices are derived from the
// open time so repeated runs are identical.
func (t *Transport) Generate(symbol, tf string, start, end time.Time, skip func(ts int64) bool) *Transport {
	step, err := timeframe.DurationMs(tf)
	if err != nil {
		panic(err)
	}
	var cs market.Candles
	for ts := start.UnixMilli(); ts < end.UnixMilli(); ts += step {
		if skip != nil && skip(ts) {
			continue
		}
		cs = append(cs, Candle(ts, step))
	}
	return t.Set(symbol, cs)
}

func (t *Transport) Set(symbol string, cs market.Candles) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append(market.Candles(nil), cs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].OpenTime < cp[j].OpenTime })
	t.history[symbol] = cp
	return t
}

// FailWith makes the next len(errs) calls for symbol return errs in order;
// nil entries let the call through.
func (t *Transport) FailWith(symbol string, errs ...error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[symbol] = append(t.failures[symbol], errs...)
	return t
}

// Candle builds the deterministic candle for ts.
func Candle(ts, step int64) market.Candle {
	base := decimal.NewFromInt(ts / 60_000 % 10_000).Add(decimal.NewFromInt(100))
	return market.Candle{
		OpenTime:  ts,
		CloseTime: ts + step - 1,
		Open:      base,
		High:      base.Add(decimal.NewFromInt(2)),
		Low:       base.Sub(decimal.NewFromInt(1)),
		Close:     base.Add(decimal.NewFromInt(1)),
		Volume:    decimal.New(ts%997+1, -2),
	}
}

func (t *Transport) Klines(ctx context.Context, q exchange.Query) ([]market.Candle, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Query: q, At: time.Now()})
	t.inFlight++
	if t.inFlight > t.peak {
		t.peak = t.inFlight
	}
	var scripted error
	if queue := t.failures[q.Symbol]; len(queue) > 0 {
		scripted = queue[0]
		t.failures[q.Symbol] = queue[1:]
	}
	history, known := t.history[q.Symbol]
	delay := t.Delay
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scripted != nil {
		return nil, scripted
	}
	if !known {
		return nil, &exchange.Error{Kind: exchange.KindInvalidSymbol, Status: 400, Code: -1121, Message: "Invalid symbol."}
	}

	idx := sort.Search(len(history), func(i int) bool { return history[i].OpenTime >= q.Since })
	out := make([]market.Candle, 0, q.Limit)
	for _, c := range history[idx:] {
		if len(out) >= q.Limit {
			break
		}
		if q.Until > 0 && c.OpenTime >= q.Until {
			break
		}
		out = append(out, c)
	}
	if t.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (t *Transport) Markets(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.history))
	for sym := range t.history {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsFor filters Calls by symbol.
func (t *Transport) CallsFor(symbol string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Query.Symbol == symbol {
			out = append(out, c)
		}
	}
	return out
}

// PeakInFlight is the highest number of concurrent Klines calls observed.
func (t *Transport) PeakInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}
