package market

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the layout used for human readable candle timestamps
// (CSV files, CLI dates).
const TimestampLayout = "2006-01-02 15:04:05"

// ParseTime reads a UTC timestamp in TimestampLayout; a bare date and
// RFC 3339 are accepted as well.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimestampLayout, "2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (want %q)", s, TimestampLayout)
}

func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

func (c Candle) TimeString() string {
	if c.OpenTime < 0 {
		return "-"
	}
	return c.Time().Format(TimestampLayout)
}

// Record renders the candle as the six CSV columns
// timestamp,open,high,low,close,volume.
func (c Candle) Record() []string {
	return []string{
		c.TimeString(),
		c.Open.String(),
		c.High.String(),
		c.Low.String(),
		c.Close.String(),
		c.Volume.String(),
	}
}

// RecordHeader matches Candle.Record.
var RecordHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}
