package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"klines/internal/market"
)

// PrintSummary 输出一次拉取的摘要表。
func (r *FetchReport) PrintSummary(w io.Writer) {
	if r == nil || w == nil {
		return
	}
	title := "拉取摘要 (FETCH SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, "  run:       %s\n", r.RunID)
	fmt.Fprintf(w, "  timeframe: %s\n", r.Timeframe)
	fmt.Fprintf(w, "  range:     %s -> %s\n", r.Start.Format(market.TimestampLayout), r.End.Format(market.TimestampLayout))
	fmt.Fprintf(w, "  policy:    %s   format: %s\n", r.Policy, r.Format)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  %-14s %8s  %-19s  %-19s  %s\n", "SYMBOL", "ROWS", "FIRST", "LAST", "STATUS")
	for _, s := range r.Symbols {
		first, last := "-", "-"
		if s.Rows > 0 {
			first = formatMillis(s.First)
			last = formatMillis(s.Last)
		}
		status := "ok"
		if s.Err != nil {
			status = "FAILED: " + s.Err.Error()
		}
		fmt.Fprintf(w, "  %-14s %8d  %-19s  %-19s  %s\n", s.Symbol, s.Rows, first, last, status)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  total rows: %d   elapsed: %s\n", r.Rows(), r.Elapsed.Round(time.Millisecond))
	if r.Manifest != "" {
		fmt.Fprintf(w, "  manifest:   %s\n", r.Manifest)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(market.TimestampLayout)
}
