// Package pagination splits a [start, end) millisecond span into the
// windows one kline page can cover.
package pagination

import (
	"fmt"
	"iter"
)

// Window is a half-open range [From, To) in epoch milliseconds.
type Window struct {
	From int64
	To   int64
}

func (w Window) Span() int64 { return w.To - w.From }

// Rows is the number of buckets of stepMs opening inside the window.
func (w Window) Rows(stepMs int64) int {
	if stepMs <= 0 || w.To <= w.From {
		return 0
	}
	return int((w.Span() + stepMs - 1) / stepMs)
}

func (w Window) Contains(ts int64) bool {
	return ts >= w.From && ts < w.To
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.From, w.To)
}

// Windows yields contiguous windows of at most maxRows*stepMs starting at
// start; the last one is clipped to end. The sequence is empty when
// start >= end or the sizing is not positive. It holds no state between
// iterations, so ranging over it twice yields the same windows.
func Windows(start, end, stepMs int64, maxRows int) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if start >= end || stepMs <= 0 || maxRows <= 0 {
			return
		}
		span := stepMs * int64(maxRows)
		for from := start; from < end; {
			to := from + span
			if to > end || to < from {
				to = end
			}
			if !yield(Window{From: from, To: to}) {
				return
			}
			from = to
		}
	}
}

// Collect materialises Windows.
func Collect(start, end, stepMs int64, maxRows int) []Window {
	var out []Window
	for w := range Windows(start, end, stepMs, maxRows) {
		out = append(out, w)
	}
	return out
}

// Count returns how many windows Windows would yield.
func Count(start, end, stepMs int64, maxRows int) int {
	if start >= end || stepMs <= 0 || maxRows <= 0 {
		return 0
	}
	span := stepMs * int64(maxRows)
	return int((end - start + span - 1) / span)
}
