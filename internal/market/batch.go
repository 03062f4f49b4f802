package market

// Batch holds the candles one page fetch produced for [From, To).
type Batch struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	From      int64   `json:"from"`
	To        int64   `json:"to"`
	Candles   Candles `json:"candles"`
}

func (b Batch) Len() int { return len(b.Candles) }

func (b Batch) Empty() bool { return len(b.Candles) == 0 }

// First and Last return the boundary open times; ok is false for an empty batch.
func (b Batch) First() (int64, bool) {
	if len(b.Candles) == 0 {
		return 0, false
	}
	return b.Candles[0].OpenTime, true
}

func (b Batch) Last() (int64, bool) {
	if len(b.Candles) == 0 {
		return 0, false
	}
	return b.Candles[len(b.Candles)-1].OpenTime, true
}

// Flatten concatenates the candles of several batches in order.
func Flatten(batches []Batch) Candles {
	n := 0
	for _, b := range batches {
		n += len(b.Candles)
	}
	out := make(Candles, 0, n)
	for _, b := range batches {
		out = append(out, b.Candles...)
	}
	return out
}
