package jobs

import (
	"context"
	"time"

	"klines/internal/fetcher"
	"klines/internal/market"
	"klines/internal/store/archive"
)

// gapRunner 只拉取归档中缺失的区间，每个缺口交给同一个 fetch loop。
type gapRunner struct {
	loop *fetcher.Loop
	gaps map[string][]archive.Gap
}

func (g *gapRunner) Run(ctx context.Context, req market.FetchRequest, yield func(market.Batch) error) error {
	for _, gap := range g.gaps[req.Symbol] {
		sub := req
		sub.Start = time.UnixMilli(gap.From).UTC()
		sub.End = time.UnixMilli(gap.To).UTC()
		if err := g.loop.Run(ctx, sub, yield); err != nil {
			return err
		}
	}
	return nil
}

func (g *gapRunner) Windows(req market.FetchRequest) int {
	n := 0
	for _, gap := range g.gaps[req.Symbol] {
		sub := req
		sub.Start = time.UnixMilli(gap.From).UTC()
		sub.End = time.UnixMilli(gap.To).UTC()
		n += g.loop.Windows(sub)
	}
	return n
}
