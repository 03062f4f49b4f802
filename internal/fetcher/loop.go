// Package fetcher drives the paginated download of one symbol: it walks the
// pagination windows of a request, asks the exchange adapter for each page
// and hands the resulting batches to the caller as soon as they arrive.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"klines/internal/exchange"
	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/pagination"
	"klines/internal/timeframe"
)

const DefaultMaxRows = 500

// ErrStop may be returned by a yield callback to end the loop early without
// failing it.
var ErrStop = errors.New("stop fetching")

type State int

const (
	StatePending State = iota
	StateFetching
	StateAccumulating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateFetching:
		return "FETCHING"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Progress is reported after every window, empty or not.
type Progress struct {
	Symbol  string
	Window  pagination.Window
	Done    int
	Total   int
	Rows    int
	Emitted int
}

type Options struct {
	// MaxRows is the page size asked of the exchange per call.
	MaxRows    int
	Now        func() time.Time
	OnState    func(symbol string, s State)
	OnProgress func(Progress)
}

// Loop is safe for concurrent use; every Run keeps its own cursor.
type Loop struct {
	adapter exchange.Adapter
	opts    Options
}

func New(adapter exchange.Adapter, opts Options) *Loop {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{adapter: adapter, opts: opts}
}

func (l *Loop) MaxRows() int { return l.opts.MaxRows }

// Prepare normalises and validates req without touching the network.
func (l *Loop) Prepare(req market.FetchRequest) (market.FetchRequest, timeframe.Timeframe, error) {
	norm, converted := req.Normalize(l.opts.Now())
	if converted {
		logger.Warnf("[fetch] %s: dates converted to UTC", norm.Symbol)
	}
	if err := norm.Validate(); err != nil {
		return norm, timeframe.Timeframe{}, err
	}
	tf, err := timeframe.Parse(norm.Timeframe)
	if err != nil {
		return norm, timeframe.Timeframe{}, err
	}
	return norm, tf, nil
}

// Windows is the number of pages req will take; zero when req is invalid.
func (l *Loop) Windows(req market.FetchRequest) int {
	norm, tf, err := l.Prepare(req)
	if err != nil {
		return 0
	}
	start, end := norm.Span()
	return pagination.Count(start, end, tf.Millis(), l.opts.MaxRows)
}

// Run fetches req window by window and calls yield with every non-empty
// batch. Batches already yielded stay valid when a later window fails.
func (l *Loop) Run(ctx context.Context, req market.FetchRequest, yield func(market.Batch) error) error {
	l.setState(req.Symbol, StatePending)
	req, tf, err := l.Prepare(req)
	if err != nil {
		l.setState(req.Symbol, StateFailed)
		return err
	}

	start, end := req.Span()
	step := tf.Millis()
	total := pagination.Count(start, end, step, l.opts.MaxRows)
	logger.Debugf("[fetch] %s 开始，%d 个分页", req, total)

	last := start - 1
	done, emitted := 0, 0
	for w := range pagination.Windows(start, end, step, l.opts.MaxRows) {
		if err := ctx.Err(); err != nil {
			l.setState(req.Symbol, StateFailed)
			return err
		}
		kept, err := l.fetchWindow(ctx, req, tf, w, &last)
		if err != nil {
			l.setState(req.Symbol, StateFailed)
			return fmt.Errorf("%s@%s window %s: %w", req.Symbol, req.Timeframe, w, err)
		}
		done++
		emitted += len(kept)
		l.progress(Progress{Symbol: req.Symbol, Window: w, Done: done, Total: total, Rows: len(kept), Emitted: emitted})

		if len(kept) == 0 {
			// 稀疏历史：空页照样推进游标
			logger.Debugf("[fetch] %s 分页 %s 为空", req.Symbol, w)
			continue
		}
		err = yield(market.Batch{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			From:      w.From,
			To:        w.To,
			Candles:   kept,
		})
		if errors.Is(err, ErrStop) {
			logger.Debugf("[fetch] %s 提前结束于 %s", req.Symbol, w)
			break
		}
		if err != nil {
			l.setState(req.Symbol, StateFailed)
			return err
		}
	}
	l.setState(req.Symbol, StateDone)
	logger.Debugf("[fetch] %s 完成，%d 行", req, emitted)
	return nil
}

// fetchWindow reads every candle of w. The page size is sized on the shortest
// bucket of tf; a full page that stops short of w.To is followed by another
// page from just after its last row, so calendar months never fall through.
func (l *Loop) fetchWindow(ctx context.Context, req market.FetchRequest, tf timeframe.Timeframe, w pagination.Window, last *int64) (market.Candles, error) {
	limit := min(w.Rows(tf.MinMillis()), l.opts.MaxRows)
	var kept market.Candles
	for since := w.From; since < w.To; {
		l.setState(req.Symbol, StateFetching)
		batch, err := l.adapter.Fetch(ctx, exchange.Query{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			Since:     since,
			Until:     w.To,
			Limit:     limit,
		})
		if err != nil {
			return nil, err
		}
		l.setState(req.Symbol, StateAccumulating)

		for _, c := range batch.Candles {
			if !w.Contains(c.OpenTime) || c.OpenTime <= *last {
				continue
			}
			kept = append(kept, c)
			*last = c.OpenTime
		}
		tail, ok := batch.Last()
		if !ok || batch.Len() < limit || tail+tf.MinMillis() >= w.To {
			break
		}
		logger.Debugf("[fetch] %s 分页 %s 满页，从 %d 续拉", req.Symbol, w, tail+1)
		since = tail + 1
	}
	return kept, nil
}

// Batches exposes Run as a range-over-func sequence. A failure is delivered
// as a final (zero Batch, err) pair; breaking out of the range stops the loop.
func (l *Loop) Batches(ctx context.Context, req market.FetchRequest) iter.Seq2[market.Batch, error] {
	return func(yield func(market.Batch, error) bool) {
		err := l.Run(ctx, req, func(b market.Batch) error {
			if !yield(b, nil) {
				return ErrStop
			}
			return nil
		})
		if err != nil {
			yield(market.Batch{}, err)
		}
	}
}

// Collect materialises every batch of req. On failure the batches gathered
// so far are returned alongside the error.
func (l *Loop) Collect(ctx context.Context, req market.FetchRequest) ([]market.Batch, error) {
	var out []market.Batch
	err := l.Run(ctx, req, func(b market.Batch) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

// Close releases the adapter.
func (l *Loop) Close() error {
	return l.adapter.Close()
}

func (l *Loop) setState(symbol string, s State) {
	if l.opts.OnState != nil {
		l.opts.OnState(symbol, s)
	}
}

func (l *Loop) progress(p Progress) {
	if l.opts.OnProgress != nil {
		l.opts.OnProgress(p)
	}
}
