package orchestrator

import (
	"errors"
	"strings"
	"time"

	"klines/internal/market"
)

// Outcome is the result of one request. Batches is only filled by Run;
// Stream hands batches to its callback instead of keeping them.
type Outcome struct {
	Request  market.FetchRequest
	Batches  []market.Batch
	Windows  int
	Rows     int
	First    int64
	Last     int64
	Started  time.Time
	Finished time.Time
	Err      error
}

func (o Outcome) OK() bool { return o.Err == nil }

func (o Outcome) Elapsed() time.Duration {
	if o.Started.IsZero() || o.Finished.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// ResultSet keeps one Outcome per request, in request order.
type ResultSet struct {
	RunID    string
	Policy   Policy
	Started  time.Time
	Finished time.Time
	Results  []Outcome
}

// Get finds an outcome by "SYMBOL" or "SYMBOL@timeframe" (symbol is
// case-insensitive). A bare symbol requested under several timeframes is
// ambiguous and reports false.
func (rs *ResultSet) Get(key string) (Outcome, bool) {
	if rs == nil {
		return Outcome{}, false
	}
	sym, tf, withTF := strings.Cut(strings.TrimSpace(key), "@")
	sym = strings.ToUpper(strings.TrimSpace(sym))
	tf = strings.TrimSpace(tf)
	var (
		found Outcome
		n     int
	)
	for _, o := range rs.Results {
		if strings.ToUpper(strings.TrimSpace(o.Request.Symbol)) != sym {
			continue
		}
		if withTF && strings.TrimSpace(o.Request.Timeframe) != tf {
			continue
		}
		if n == 0 {
			found = o
		}
		n++
	}
	if n != 1 {
		return Outcome{}, false
	}
	return found, true
}

// Candles flattens the batches fetched for key, see Get.
func (rs *ResultSet) Candles(key string) market.Candles {
	o, ok := rs.Get(key)
	if !ok {
		return nil
	}
	return market.Flatten(o.Batches)
}

// Err joins the per-symbol errors in request order; nil when all succeeded.
func (rs *ResultSet) Err() error {
	if rs == nil {
		return nil
	}
	var errs []error
	for _, o := range rs.Results {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

func (rs *ResultSet) Failed() []Outcome {
	var out []Outcome
	for _, o := range rs.Results {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

func (rs *ResultSet) Rows() int {
	n := 0
	for _, o := range rs.Results {
		n += o.Rows
	}
	return n
}
