// Package binance implements exchange.Transport against the public Binance
// kline endpoints, either over plain REST or through the go-binance SDK.
package binance

import (
	"sync"

	"klines/internal/exchange"
	"klines/internal/logger"
)

// MaxLimit is the largest page the kline endpoints accept (spot 1000, futures 1500).
func MaxLimit(market string) int {
	if market == MarketFutures {
		return 1500
	}
	return 1000
}

// New builds the transport selected by cfg.Transport.
func New(cfg Config) (exchange.Transport, error) {
	final := cfg.withDefaults()
	if err := final.validate(); err != nil {
		return nil, err
	}
	logger.Debugf("[binance] transport=%s market=%s base=%s", final.Transport, final.Market, final.RESTBaseURL)
	if final.Transport == TransportSDK {
		return NewSDK(final)
	}
	return NewREST(final)
}

// Stats counts upstream calls for one transport.
type Stats struct {
	Calls     int64  `json:"calls"`
	Errors    int64  `json:"errors"`
	Rows      int64  `json:"rows"`
	LastError string `json:"last_error,omitempty"`
}

type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) record(rows int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Calls++
	r.stats.Rows += int64(rows)
	if err != nil {
		r.stats.Errors++
		r.stats.LastError = err.Error()
	}
}

func (r *statsRecorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
