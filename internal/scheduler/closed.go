package scheduler

import (
	"time"

	"klines/internal/timeframe"
)

// DefaultKlineGrace Binance 在收盘后可能还需要几秒才把最后一根 K 线定稿。
const DefaultKlineGrace = 10 * time.Second

// ClosedEnd 返回 now 时刻已经收盘的 K 线的独占上界，grace 内刚收盘的那根不算。
// 周线按周一、月线按自然月对齐。
func ClosedEnd(tf timeframe.Timeframe, now time.Time, grace time.Duration) time.Time {
	if grace < 0 {
		grace = 0
	}
	ms := tf.BucketStart(now.Add(-grace).UnixMilli())
	return time.UnixMilli(ms).UTC()
}
