package archive

import (
	"context"

	"klines/internal/timeframe"
)

// Gap is a missing half-open range [From, To).
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps"`
}

func (r IntegrityReport) Complete() bool { return len(r.Gaps) == 0 }

func (r IntegrityReport) Missing() int64 {
	if r.Present >= r.Expected {
		return 0
	}
	return r.Expected - r.Present
}

// Integrity compares the stored open times in [start, end) with the bucket
// grid of tf. Monthly candles follow the calendar, so for 1M the range is
// only reported missing when it holds no rows at all.
func (a *Archive) Integrity(ctx context.Context, sym string, tf timeframe.Timeframe, start, end int64) (IntegrityReport, error) {
	if end <= start {
		return IntegrityReport{}, nil
	}
	present, err := a.openTimes(ctx, sym, tf.Key, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{Present: int64(len(present))}
	if tf.Key == "1M" {
		report.Expected = tf.ExpectedCandles(start, end)
		if len(present) == 0 {
			report.Gaps = []Gap{{From: start, To: end}}
		}
		return report, nil
	}

	step := tf.Millis()
	first := alignUp(tf, start)
	if first >= end {
		return report, nil
	}
	report.Expected = tf.ExpectedCandles(first, end)

	idx := 0
	var open *Gap
	for ts := first; ts < end; ts += step {
		for idx < len(present) && present[idx] < ts {
			idx++
		}
		if idx < len(present) && present[idx] == ts {
			if open != nil {
				open.To = ts
				report.Gaps = append(report.Gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{From: ts}
		}
	}
	if open != nil {
		open.To = end
		report.Gaps = append(report.Gaps, *open)
	}
	return report, nil
}

func alignUp(tf timeframe.Timeframe, ts int64) int64 {
	if down := tf.BucketStart(ts); down == ts {
		return down
	}
	return tf.NextBucket(ts)
}
