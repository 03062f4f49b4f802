package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"klines/internal/exchange"
	"klines/internal/market"
	"klines/internal/pkg/symbol"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const maxBodyBytes = 8 << 20

// RESTTransport calls the public kline endpoint directly and decodes the
// array-of-arrays payload with gjson.
type RESTTransport struct {
	statsRecorder

	cfg    Config
	client *http.Client
}

var _ exchange.Transport = (*RESTTransport)(nil)
var _ exchange.MarketLister = (*RESTTransport)(nil)

func NewREST(cfg Config) (*RESTTransport, error) {
	final := cfg.withDefaults()
	if err := final.validate(); err != nil {
		return nil, err
	}
	client, err := newHTTPClient(final)
	if err != nil {
		return nil, err
	}
	return &RESTTransport{cfg: final, client: client}, nil
}

func (t *RESTTransport) Klines(ctx context.Context, q exchange.Query) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol.ToBinance(q.Symbol))
	params.Set("interval", q.Timeframe)
	params.Set("limit", strconv.Itoa(min(q.Limit, MaxLimit(t.cfg.Market))))
	if q.Since > 0 {
		params.Set("startTime", strconv.FormatInt(q.Since, 10))
	}
	if q.Until > 0 {
		// endTime 是闭区间
		params.Set("endTime", strconv.FormatInt(q.Until-1, 10))
	}
	body, err := t.get(ctx, t.cfg.klinesPath(), params)
	if err != nil {
		t.record(0, err)
		return nil, err
	}
	out, err := decodeKlines(body)
	t.record(len(out), err)
	return out, err
}

// Markets lists BASE/QUOTE pairs currently TRADING.
func (t *RESTTransport) Markets(ctx context.Context) ([]string, error) {
	body, err := t.get(ctx, t.cfg.exchangeInfoPath(), nil)
	if err != nil {
		return nil, err
	}
	symbols := gjson.GetBytes(body, "symbols")
	if !symbols.IsArray() {
		return nil, exchange.Upstream("exchangeInfo: missing symbols array")
	}
	out := make([]string, 0, len(symbols.Array()))
	symbols.ForEach(func(_, s gjson.Result) bool {
		if s.Get("status").String() != "TRADING" {
			return true
		}
		base, quote := s.Get("baseAsset").String(), s.Get("quoteAsset").String()
		if base != "" && quote != "" {
			out = append(out, base+"/"+quote)
		}
		return true
	})
	return out, nil
}

func (t *RESTTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *RESTTransport) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := t.cfg.RESTBaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, exchange.Upstream("build request: %v", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, exchange.Transient(err, "GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, exchange.Transient(err, "read %s: %v", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp, body)
	}
	return body, nil
}

// statusError maps a non-2xx answer; Binance errors carry {"code":-1121,"msg":"..."}.
func statusError(resp *http.Response, body []byte) error {
	code := 0
	msg := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if c := parsed.Get("code"); c.Exists() {
			code = int(c.Int())
		}
		if m := parsed.Get("msg"); m.Exists() {
			msg = m.String()
		}
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return exchange.FromStatus(resp.StatusCode, code, msg, parseRetryAfter(resp.Header.Get("Retry-After")))
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var errMalformed = errors.New("malformed kline payload")

// decodeKlines reads [[openTime, "open", "high", "low", "close", "volume", closeTime, ..., trades, ...], ...].
func decodeKlines(body []byte) ([]market.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, &exchange.Error{Kind: exchange.KindUpstream, Message: "invalid json", Err: errMalformed}
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, &exchange.Error{Kind: exchange.KindUpstream, Message: "expected array", Err: errMalformed}
	}
	rows := root.Array()
	out := make([]market.Candle, 0, len(rows))
	for i, row := range rows {
		cols := row.Array()
		if len(cols) < 6 {
			return nil, &exchange.Error{Kind: exchange.KindUpstream, Message: fmt.Sprintf("row %d has %d columns", i, len(cols)), Err: errMalformed}
		}
		c := market.Candle{OpenTime: cols[0].Int()}
		fields := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		for j, dst := range fields {
			v, err := decimal.NewFromString(cols[j+1].String())
			if err != nil {
				return nil, &exchange.Error{Kind: exchange.KindUpstream, Message: fmt.Sprintf("row %d column %d: %v", i, j+1, err), Err: errMalformed}
			}
			*dst = v
		}
		if len(cols) > 6 {
			c.CloseTime = cols[6].Int()
		}
		if len(cols) > 8 {
			c.Trades = cols[8].Int()
		}
		out = append(out, c)
	}
	return out, nil
}
