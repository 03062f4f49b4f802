// Package scheduler 按 K 线收盘时刻对齐地触发任务。
package scheduler

import (
	"context"
	"time"

	"klines/internal/logger"
)

// Aligned 在每个 Interval 边界之后 Offset 触发一次任务，task 收到的是对应的收盘时刻。
type Aligned struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAligned(ctx context.Context, interval, offset time.Duration) *Aligned {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aligned{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start 阻塞运行直到 ctx 取消。
func (s *Aligned) Start(task func(closeAt time.Time)) {
	if s == nil {
		return
	}
	prefix := "Aligned"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		logger.Warnf("%s: offset=%s out of [0, %s), clamp to 0", prefix, s.Offset, s.Interval)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task(startAt.Truncate(s.Interval))
	}

	for {
		now := s.nowFn().UTC()
		nextClose, wakeAt, wait := s.nextTimes(now)
		logger.Debugf("%s: 距离K线收盘=%s (收盘=%s) 将在=%s 执行 | uptime=%s",
			prefix,
			nextClose.Sub(now).Truncate(time.Second),
			nextClose.Format(time.RFC3339),
			wakeAt.Format(time.RFC3339),
			now.Sub(startAt).Truncate(time.Second),
		)

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("%s: ctx done, exit", prefix)
			return
		case <-timer.C:
		}
		task(nextClose)
	}
}

func (s *Aligned) nextTimes(now time.Time) (nextClose, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	nextClose = now.Add(-s.Offset).Truncate(s.Interval).Add(s.Interval)
	wakeAt = nextClose.Add(s.Offset)
	return nextClose, wakeAt, wakeAt.Sub(now)
}
