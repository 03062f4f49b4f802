package config

import (
	"fmt"
	"net/url"
	"strings"

	"klines/internal/logger"
	"klines/internal/orchestrator"
	"klines/internal/sink"
	"klines/internal/timeframe"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Binance.validate(); err != nil {
		return err
	}
	if err := c.Fetch.validate(); err != nil {
		return err
	}
	if err := c.Output.validate(); err != nil {
		return err
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	}
	return c.Sync.validate()
}

// Validate 供 flag 覆盖后再次校验。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	return validate(c)
}

func (a *AppConfig) validate() error {
	if _, err := logger.ParseLevel(a.LogLevel); err != nil {
		return fmt.Errorf("app.log_level: %w", err)
	}
	return nil
}

func (b *BinanceConfig) validate() error {
	switch b.Market {
	case "spot", "futures":
	default:
		return fmt.Errorf("binance.market must be spot or futures, got %q", b.Market)
	}
	switch b.Transport {
	case "rest", "sdk":
	default:
		return fmt.Errorf("binance.transport must be rest or sdk, got %q", b.Transport)
	}
	if b.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("binance.http_timeout_seconds must be > 0")
	}
	for key, raw := range map[string]string{
		"binance.rest_base_url": b.RESTBaseURL,
		"binance.proxy_url":     b.ProxyURL,
	} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not a valid url: %q", key, raw)
		}
	}
	return nil
}

func (f *FetchConfig) validate() error {
	if f.Limit <= 0 {
		return fmt.Errorf("fetch.limit must be > 0")
	}
	if f.MaxConcurrency <= 0 {
		return fmt.Errorf("fetch.max_concurrency must be > 0")
	}
	if f.RetryLimit <= 0 {
		return fmt.Errorf("fetch.retry_limit must be > 0")
	}
	if f.RateLimitIntervalMs < 0 {
		return fmt.Errorf("fetch.rate_limit_interval_ms must be >= 0")
	}
	if f.RequestsPerMinute < 0 {
		return fmt.Errorf("fetch.requests_per_minute must be >= 0")
	}
	if f.CallTimeoutSeconds < 0 {
		return fmt.Errorf("fetch.call_timeout_seconds must be >= 0")
	}
	if _, err := orchestrator.ParsePolicy(f.Policy); err != nil {
		return fmt.Errorf("fetch.policy: %w", err)
	}
	if f.BreakerThreshold < 0 || f.BreakerCooldownSeconds < 0 {
		return fmt.Errorf("fetch.breaker_* must be >= 0")
	}
	return nil
}

func (o *OutputConfig) validate() error {
	if strings.TrimSpace(o.Dir) == "" {
		return fmt.Errorf("output.dir cannot be empty")
	}
	if err := sink.ValidFormat(o.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("sync.symbols cannot be empty when sync is enabled")
	}
	if !timeframe.Valid(s.Timeframe) {
		return fmt.Errorf("sync.timeframe: %w: %q", timeframe.ErrInvalidTimeframe, s.Timeframe)
	}
	if s.LookbackCandles <= 0 {
		return fmt.Errorf("sync.lookback_candles must be > 0")
	}
	if s.OffsetSeconds < 0 {
		return fmt.Errorf("sync.offset_seconds must be >= 0")
	}
	return nil
}
