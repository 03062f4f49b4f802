package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"klines/internal/timeframe"
)

var ErrInvalidRequest = errors.New("invalid fetch request")

// FetchRequest describes one symbol/timeframe download over [Start, End).
// A zero End means "now".
type FetchRequest struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Normalize returns a copy with UTC times, a trimmed symbol and End resolved
// against now when unset. The second result reports whether a non-UTC
// location had to be converted.
func (r FetchRequest) Normalize(now time.Time) (FetchRequest, bool) {
	out := r
	out.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	out.Timeframe = strings.TrimSpace(r.Timeframe)
	converted := false
	if !r.Start.IsZero() && r.Start.Location() != time.UTC {
		converted = true
	}
	if !r.End.IsZero() && r.End.Location() != time.UTC {
		converted = true
	}
	out.Start = r.Start.UTC()
	if r.End.IsZero() {
		out.End = now.UTC()
	} else {
		out.End = r.End.UTC()
	}
	return out, converted
}

// Validate checks the timeframe first so that an unknown interval is
// reported as timeframe.ErrInvalidTimeframe.
func (r FetchRequest) Validate() error {
	if _, err := timeframe.Parse(r.Timeframe); err != nil {
		return err
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if r.Start.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidRequest)
	}
	if !r.End.IsZero() && !r.Start.Before(r.End) {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidRequest,
			r.Start.UTC().Format(TimestampLayout), r.End.UTC().Format(TimestampLayout))
	}
	return nil
}

// Span returns the request bounds in epoch milliseconds.
func (r FetchRequest) Span() (int64, int64) {
	return r.Start.UnixMilli(), r.End.UnixMilli()
}

func (r FetchRequest) String() string {
	return fmt.Sprintf("%s@%s [%s, %s)", r.Symbol, r.Timeframe,
		r.Start.UTC().Format(TimestampLayout), r.End.UTC().Format(TimestampLayout))
}
