// Package timeframe resolves kline interval tokens ("1m", "4h", "1M") into
// bucket durations.
package timeframe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidTimeframe = errors.New("invalid timeframe")

const day = 24 * time.Hour

// Binance 周线从周一开盘，1970-01-01 是周四
const weekOffsetMs = int64(4 * day / time.Millisecond)

// 最短的自然月
const minMonthMs = int64(28 * day / time.Millisecond)

// Timeframe is one entry of the supported interval table.
type Timeframe struct {
	Key      string
	Duration time.Duration
}

// Ordered from the shortest to the longest bucket. 1M is fixed at 30 days.
var table = []Timeframe{
	{Key: "1m", Duration: time.Minute},
	{Key: "3m", Duration: 3 * time.Minute},
	{Key: "5m", Duration: 5 * time.Minute},
	{Key: "15m", Duration: 15 * time.Minute},
	{Key: "30m", Duration: 30 * time.Minute},
	{Key: "1h", Duration: time.Hour},
	{Key: "2h", Duration: 2 * time.Hour},
	{Key: "4h", Duration: 4 * time.Hour},
	{Key: "6h", Duration: 6 * time.Hour},
	{Key: "8h", Duration: 8 * time.Hour},
	{Key: "12h", Duration: 12 * time.Hour},
	{Key: "1d", Duration: day},
	{Key: "3d", Duration: 3 * day},
	{Key: "1w", Duration: 7 * day},
	{Key: "1M", Duration: 30 * day},
}

var byKey = func() map[string]Timeframe {
	out := make(map[string]Timeframe, len(table))
	for _, tf := range table {
		out[tf.Key] = tf
	}
	return out
}()

// Parse returns the timeframe for token. Tokens are case sensitive because
// "1m" (minute) and "1M" (month) are both valid.
func Parse(token string) (Timeframe, error) {
	key := strings.TrimSpace(token)
	tf, ok := byKey[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("%w: %q (supported: %s)", ErrInvalidTimeframe, token, strings.Join(Supported(), ", "))
	}
	return tf, nil
}

// DurationMs is Parse followed by Millis.
func DurationMs(token string) (int64, error) {
	tf, err := Parse(token)
	if err != nil {
		return 0, err
	}
	return tf.Millis(), nil
}

// Supported lists every accepted token, shortest bucket first.
func Supported() []string {
	keys := make([]string, 0, len(table))
	for _, tf := range table {
		keys = append(keys, tf.Key)
	}
	return keys
}

func Valid(token string) bool {
	_, err := Parse(token)
	return err == nil
}

func (tf Timeframe) Millis() int64 {
	return tf.Duration.Milliseconds()
}

func (tf Timeframe) String() string { return tf.Key }

// AlignDown truncates ts (ms) to the start of its bucket.
func (tf Timeframe) AlignDown(ts int64) int64 {
	step := tf.Millis()
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// MinMillis is the shortest real bucket. It differs from Millis only for 1M,
// whose calendar months can be as short as 28 days.
func (tf Timeframe) MinMillis() int64 {
	if tf.Key == "1M" {
		return minMonthMs
	}
	return tf.Millis()
}

// BucketStart returns the open time of the exchange bucket holding ts:
// weeks open on Monday 00:00 UTC and months on the 1st, every other
// timeframe is AlignDown.
func (tf Timeframe) BucketStart(ts int64) int64 {
	switch tf.Key {
	case "1w":
		return tf.AlignDown(ts-weekOffsetMs) + weekOffsetMs
	case "1M":
		t := time.UnixMilli(ts).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	default:
		return tf.AlignDown(ts)
	}
}

// NextBucket returns the open time of the bucket after the one holding ts.
func (tf Timeframe) NextBucket(ts int64) int64 {
	open := tf.BucketStart(ts)
	if tf.Key == "1M" {
		return time.UnixMilli(open).UTC().AddDate(0, 1, 0).UnixMilli()
	}
	return open + tf.Millis()
}

// ExpectedCandles counts the buckets that open inside [start, end).
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	step := tf.Millis()
	if end <= start || step <= 0 {
		return 0
	}
	return (end - start + step - 1) / step
}
