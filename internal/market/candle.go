package market

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV row as delivered by the exchange. OpenTime is epoch
// milliseconds (UTC). Values are never mutated after decoding.
type Candle struct {
	OpenTime  int64           `json:"open_time"`
	CloseTime int64           `json:"close_time,omitempty"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int64           `json:"trades,omitempty"`
}

type Candles []Candle

// SortUnique orders the candles by OpenTime and drops rows that repeat an
// OpenTime already seen. The first occurrence wins. The receiver is reused.
func (cs Candles) SortUnique() Candles {
	if len(cs) == 0 {
		return cs
	}
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].OpenTime < cs[j].OpenTime })
	out := cs[:1]
	for _, c := range cs[1:] {
		if c.OpenTime == out[len(out)-1].OpenTime {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Between keeps candles with from <= OpenTime < to.
func (cs Candles) Between(from, to int64) Candles {
	out := make(Candles, 0, len(cs))
	for _, c := range cs {
		if c.OpenTime < from || c.OpenTime >= to {
			continue
		}
		out = append(out, c)
	}
	return out
}

// After keeps candles strictly newer than ts.
func (cs Candles) After(ts int64) Candles {
	idx := sort.Search(len(cs), func(i int) bool { return cs[i].OpenTime > ts })
	return cs[idx:]
}

// StrictlyAscending reports whether OpenTime grows on every row.
func (cs Candles) StrictlyAscending() bool {
	for i := 1; i < len(cs); i++ {
		if cs[i].OpenTime <= cs[i-1].OpenTime {
			return false
		}
	}
	return true
}
