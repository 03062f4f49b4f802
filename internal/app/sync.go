package app

import (
	"context"
	"sync"
	"time"

	"klines/internal/config"
	"klines/internal/jobs"
	"klines/internal/logger"
	"klines/internal/pkg/symbol"
	"klines/internal/scheduler"
	"klines/internal/timeframe"
)

// 周线和月线不按收盘对齐，每天检查一次即可，缺口逻辑保证不会重复拉取。
const maxSyncInterval = 24 * time.Hour

// syncer 在每根 K 线收盘后提交一次补全任务。
type syncer struct {
	svc      *jobs.Service
	tf       timeframe.Timeframe
	symbols  []string
	lookback int
	offset   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	lastID string
}

func newSyncer(svc *jobs.Service, cfg config.SyncConfig, now func() time.Time) (*syncer, error) {
	tf, err := timeframe.Parse(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &syncer{
		svc:      svc,
		tf:       tf,
		symbols:  symbol.NormalizeList(cfg.Symbols),
		lookback: cfg.LookbackCandles,
		offset:   cfg.Offset(),
		now:      now,
	}, nil
}

// tick 提交 [end-lookback, end) 的补全任务；上一次任务未结束时跳过。
func (s *syncer) tick() (jobs.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastID != "" {
		if prev, ok := s.svc.Snapshot(s.lastID); ok && !prev.Finished() {
			logger.Infof("[sync] 上一次任务 %s 仍在运行，跳过本轮", prev.ID)
			return prev, false
		}
	}
	end := scheduler.ClosedEnd(s.tf, s.now(), s.offset)
	start := end.Add(-time.Duration(s.lookback) * s.tf.Duration)
	job, err := s.svc.Submit(jobs.Params{
		Symbols:   s.symbols,
		Timeframe: s.tf.Key,
		Start:     start,
		End:       end,
	})
	if err != nil {
		logger.Warnf("[sync] 提交补全任务失败: %v", err)
		return jobs.Job{}, false
	}
	s.lastID = job.ID
	logger.Infof("[sync] 提交补全任务 %s: %d 个交易对 %s [%s, %s) status=%s",
		job.ID, len(s.symbols), s.tf.Key, start.Format(time.RFC3339), end.Format(time.RFC3339), job.Status)
	return job, true
}

func (s *syncer) run(ctx context.Context) {
	sched := scheduler.NewAligned(ctx, min(s.tf.Duration, maxSyncInterval), s.offset)
	sched.Name = "sync " + s.tf.Key
	sched.RunImmediately = true
	sched.Start(func(time.Time) { s.tick() })
}
