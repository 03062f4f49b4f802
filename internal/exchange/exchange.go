// Package exchange is the capability boundary between the fetch pipeline
// and a concrete exchange API: one kline page per call, throttled, retried
// and normalised.
package exchange

import (
	"context"

	"klines/internal/market"
)

// Query asks for up to Limit candles of Symbol opening in [Since, Until).
// Until is optional (0 means unbounded).
type Query struct {
	Symbol    string
	Timeframe string
	Since     int64
	Until     int64
	Limit     int
}

// Transport performs exactly one upstream call. Implementations classify
// failures as *Error and must not retry on their own.
type Transport interface {
	Klines(ctx context.Context, q Query) ([]market.Candle, error)
	Close() error
}

// Adapter is what the fetch loop depends on.
type Adapter interface {
	Fetch(ctx context.Context, q Query) (market.Batch, error)
	Close() error
}

// MarketLister is implemented by transports that can list tradeable symbols.
type MarketLister interface {
	Markets(ctx context.Context) ([]string, error)
}
