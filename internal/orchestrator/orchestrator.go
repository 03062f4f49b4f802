// Package orchestrator runs one fetch loop per request with bounded
// concurrency and gathers the outcomes in request order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"klines/internal/logger"
	"klines/internal/market"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrDuplicateRequest = errors.New("duplicate request")

// Runner is the single-symbol loop; *fetcher.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req market.FetchRequest, yield func(market.Batch) error) error
}

// planner is optionally implemented by a Runner to report page counts.
type planner interface {
	Windows(req market.FetchRequest) int
}

type Options struct {
	MaxConcurrency int
	Policy         Policy
}

// Event is one batch delivered in streaming mode.
type Event struct {
	RunID   string
	Index   int
	Request market.FetchRequest
	Batch   market.Batch
}

type Orchestrator struct {
	runner Runner
	opts   Options
}

func New(runner Runner, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Orchestrator{runner: runner, opts: opts}
}

func (o *Orchestrator) Options() Options { return o.opts }

// Run fetches every request and keeps all batches in memory.
func (o *Orchestrator) Run(ctx context.Context, reqs []market.FetchRequest) (*ResultSet, error) {
	collected := make([][]market.Batch, len(reqs))
	rs, err := o.Stream(ctx, reqs, func(ev Event) error {
		collected[ev.Index] = append(collected[ev.Index], ev.Batch)
		return nil
	})
	if rs != nil {
		for i := range rs.Results {
			rs.Results[i].Batches = collected[i]
		}
	}
	return rs, err
}

// Stream fetches every request and hands each batch to fn as it completes.
// fn is never called concurrently. An error from fn fails that request's
// loop. Under FailFast the first failure cancels every other loop and Stream
// returns (nil, err) with the error of the lowest-index request that failed
// by itself.
func (o *Orchestrator) Stream(ctx context.Context, reqs []market.FetchRequest, fn func(Event) error) (*ResultSet, error) {
	if err := checkDuplicates(reqs); err != nil {
		return nil, err
	}
	rs := &ResultSet{
		RunID:   uuid.NewString(),
		Policy:  o.opts.Policy,
		Started: time.Now(),
		Results: make([]Outcome, len(reqs)),
	}
	if p, ok := o.runner.(planner); ok {
		for i, r := range reqs {
			rs.Results[i].Windows = p.Windows(r)
		}
	}
	for i, r := range reqs {
		rs.Results[i].Request = r
	}
	logger.Infof("[orchestrator] run %s: %d 个请求, concurrency=%d, policy=%s",
		rs.RunID, len(reqs), o.opts.MaxConcurrency, o.opts.Policy)

	var (
		group *errgroup.Group
		gctx  = ctx
	)
	if o.opts.Policy == FailFast {
		group, gctx = errgroup.WithContext(ctx)
	} else {
		group = &errgroup.Group{}
	}
	group.SetLimit(o.opts.MaxConcurrency)

	var mu sync.Mutex
	own := make([]bool, len(reqs))
	for i := range reqs {
		// Go 在名额占满时阻塞，因此循环按输入顺序启动
		if err := gctx.Err(); err != nil {
			rs.Results[i].Err = err
			continue
		}
		group.Go(func() error {
			out := &rs.Results[i]
			req := reqs[i]
			out.Started = time.Now()
			err := o.runner.Run(gctx, req, func(b market.Batch) error {
				mu.Lock()
				defer mu.Unlock()
				if out.Rows == 0 {
					out.First = b.Candles[0].OpenTime
				}
				out.Rows += b.Len()
				out.Last = b.Candles[b.Len()-1].OpenTime
				if fn == nil {
					return nil
				}
				return fn(Event{RunID: rs.RunID, Index: i, Request: req, Batch: b})
			})
			out.Finished = time.Now()
			out.Err = err
			if err == nil {
				logger.Infof("[orchestrator] %s 完成: %d 行, 用时 %s", req.Symbol, out.Rows, out.Elapsed().Round(time.Millisecond))
				return nil
			}
			if gctx.Err() != nil && isContextErr(err) {
				// 被兄弟任务取消
				return nil
			}
			own[i] = true
			logger.Errorf("[orchestrator] %s 失败: %v", req.Symbol, err)
			if o.opts.Policy == FailFast {
				return err
			}
			return nil
		})
	}
	_ = group.Wait()
	rs.Finished = time.Now()

	if err := ctx.Err(); err != nil {
		logger.Warnf("[orchestrator] run %s 已取消: %v", rs.RunID, err)
		if o.opts.Policy == FailFast {
			return nil, err
		}
		return rs, err
	}
	if o.opts.Policy == FailFast {
		for i, failed := range own {
			if failed {
				return nil, rs.Results[i].Err
			}
		}
	}
	logger.Infof("[orchestrator] run %s 结束: %d 行, 失败 %d, 用时 %s",
		rs.RunID, rs.Rows(), len(rs.Failed()), rs.Finished.Sub(rs.Started).Round(time.Millisecond))
	return rs, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func checkDuplicates(reqs []market.FetchRequest) error {
	seen := make(map[string]int, len(reqs))
	for i, r := range reqs {
		key := strings.ToUpper(strings.TrimSpace(r.Symbol)) + "@" + strings.TrimSpace(r.Timeframe)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s at positions %d and %d", ErrDuplicateRequest, key, prev, i)
		}
		seen[key] = i
	}
	return nil
}
