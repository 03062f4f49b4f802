package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"klines/internal/exchange"
	"klines/internal/market"
	"klines/internal/pkg/symbol"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// rawKline is the subset both SDK kline types share.
type rawKline struct {
	OpenTime, CloseTime            int64
	Open, High, Low, Close, Volume string
	TradeNum                       int64
}

type rawMarket struct {
	Status, BaseAsset, QuoteAsset string
}

// SDKTransport goes through adshao/go-binance, spot or USDT futures.
type SDKTransport struct {
	statsRecorder

	cfg     Config
	spot    *gobinance.Client
	futures *futures.Client
}

var _ exchange.Transport = (*SDKTransport)(nil)
var _ exchange.MarketLister = (*SDKTransport)(nil)

func NewSDK(cfg Config) (*SDKTransport, error) {
	final := cfg.withDefaults()
	if err := final.validate(); err != nil {
		return nil, err
	}
	httpClient, err := newHTTPClient(final)
	if err != nil {
		return nil, err
	}
	t := &SDKTransport{cfg: final}
	if final.Market == MarketFutures {
		client := futures.NewClient("", "")
		client.BaseURL = final.RESTBaseURL
		client.HTTPClient = httpClient
		t.futures = client
	} else {
		client := gobinance.NewClient("", "")
		client.BaseURL = final.RESTBaseURL
		client.HTTPClient = httpClient
		t.spot = client
	}
	return t, nil
}

func (t *SDKTransport) Klines(ctx context.Context, q exchange.Query) ([]market.Candle, error) {
	rows, err := t.klines(ctx, q)
	if err != nil {
		err = classifySDKError(ctx, err)
		t.record(0, err)
		return nil, err
	}
	out := make([]market.Candle, 0, len(rows))
	for i, kl := range rows {
		c, err := kl.candle()
		if err != nil {
			err = &exchange.Error{Kind: exchange.KindUpstream, Message: fmt.Sprintf("row %d: %v", i, err), Err: errMalformed}
			t.record(0, err)
			return nil, err
		}
		out = append(out, c)
	}
	t.record(len(out), nil)
	return out, nil
}

func (t *SDKTransport) klines(ctx context.Context, q exchange.Query) ([]rawKline, error) {
	sym := symbol.ToBinance(q.Symbol)
	limit := min(q.Limit, MaxLimit(t.cfg.Market))
	var out []rawKline
	if t.futures != nil {
		svc := t.futures.NewKlinesService().Symbol(sym).Interval(q.Timeframe).Limit(limit)
		if q.Since > 0 {
			svc = svc.StartTime(q.Since)
		}
		if q.Until > 0 {
			svc = svc.EndTime(q.Until - 1)
		}
		kls, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, rawKline{kl.OpenTime, kl.CloseTime, kl.Open, kl.High, kl.Low, kl.Close, kl.Volume, kl.TradeNum})
		}
		return out, nil
	}
	svc := t.spot.NewKlinesService().Symbol(sym).Interval(q.Timeframe).Limit(limit)
	if q.Since > 0 {
		svc = svc.StartTime(q.Since)
	}
	if q.Until > 0 {
		svc = svc.EndTime(q.Until - 1)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, rawKline{kl.OpenTime, kl.CloseTime, kl.Open, kl.High, kl.Low, kl.Close, kl.Volume, kl.TradeNum})
	}
	return out, nil
}

func (t *SDKTransport) Markets(ctx context.Context) ([]string, error) {
	var markets []rawMarket
	if t.futures != nil {
		info, err := t.futures.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, classifySDKError(ctx, err)
		}
		for _, s := range info.Symbols {
			markets = append(markets, rawMarket{s.Status, s.BaseAsset, s.QuoteAsset})
		}
	} else {
		info, err := t.spot.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, classifySDKError(ctx, err)
		}
		for _, s := range info.Symbols {
			markets = append(markets, rawMarket{s.Status, s.BaseAsset, s.QuoteAsset})
		}
	}
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.Status == "TRADING" && m.BaseAsset != "" && m.QuoteAsset != "" {
			out = append(out, m.BaseAsset+"/"+m.QuoteAsset)
		}
	}
	return out, nil
}

func (t *SDKTransport) Close() error {
	if t.futures != nil && t.futures.HTTPClient != nil {
		t.futures.HTTPClient.CloseIdleConnections()
	}
	if t.spot != nil && t.spot.HTTPClient != nil {
		t.spot.HTTPClient.CloseIdleConnections()
	}
	return nil
}

func (k rawKline) candle() (market.Candle, error) {
	c := market.Candle{OpenTime: k.OpenTime, CloseTime: k.CloseTime, Trades: k.TradeNum}
	var err error
	if c.Open, err = decimal.NewFromString(k.Open); err != nil {
		return c, err
	}
	if c.High, err = decimal.NewFromString(k.High); err != nil {
		return c, err
	}
	if c.Low, err = decimal.NewFromString(k.Low); err != nil {
		return c, err
	}
	if c.Close, err = decimal.NewFromString(k.Close); err != nil {
		return c, err
	}
	if c.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return c, err
	}
	return c, nil
}

// classifySDKError maps go-binance failures. The SDK drops the HTTP status,
// so an APIError without a code (unparsable body, usually a 5xx or a 429
// html page) is treated as transient.
func classifySDKError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		code := int(apiErr.Code)
		switch {
		case code == 0:
			return exchange.Transient(err, "binance: %s", strings.TrimSpace(apiErr.Message))
		case code == -1000 || code == -1001 || code == -1007:
			// UNKNOWN / DISCONNECTED / TIMEOUT
			return &exchange.Error{Kind: exchange.KindTransient, Code: code, Message: apiErr.Message, Err: err}
		default:
			return exchange.FromStatus(0, code, apiErr.Message, 0)
		}
	}
	return exchange.Transient(err, "binance sdk: %v", err)
}
