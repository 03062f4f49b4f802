package binance

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	MarketSpot    = "spot"
	MarketFutures = "futures"

	TransportREST = "rest"
	TransportSDK  = "sdk"
)

type Config struct {
	// Market 选择现货 (/api/v3) 或 U 本位合约 (/fapi/v1)
	Market      string
	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string
	// Transport 为 rest（net/http + gjson）或 sdk（go-binance）
	Transport string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.Market = strings.ToLower(strings.TrimSpace(out.Market))
	if out.Market == "" {
		out.Market = MarketSpot
	}
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		if out.Market == MarketFutures {
			out.RESTBaseURL = "https://fapi.binance.com"
		} else {
			out.RESTBaseURL = "https://api.binance.com"
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	out.Transport = strings.ToLower(strings.TrimSpace(out.Transport))
	if out.Transport == "" {
		out.Transport = TransportREST
	}
	return out
}

func (c Config) validate() error {
	switch c.Market {
	case MarketSpot, MarketFutures:
	default:
		return fmt.Errorf("binance market must be spot or futures, got %q", c.Market)
	}
	switch c.Transport {
	case TransportREST, TransportSDK:
	default:
		return fmt.Errorf("binance transport must be rest or sdk, got %q", c.Transport)
	}
	return nil
}

func (c Config) klinesPath() string {
	if c.Market == MarketFutures {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}

func (c Config) exchangeInfoPath() string {
	if c.Market == MarketFutures {
		return "/fapi/v1/exchangeInfo"
	}
	return "/api/v3/exchangeInfo"
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyURL == "" {
		return httpClient, nil
	}
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REST proxy url: %w", err)
	}
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok || baseTransport == nil {
		return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
	}
	transport := baseTransport.Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	httpClient.Transport = transport
	return httpClient, nil
}
