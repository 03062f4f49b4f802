package config

import (
	"strings"

	"klines/internal/orchestrator"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultBinanceMarket     = "spot"
	defaultBinanceTransport  = "rest"
	defaultBinanceTimeout    = 15
	defaultFetchLimit        = 500
	defaultFetchConcurrency  = 4
	defaultFetchRetryLimit   = 3
	defaultFetchIntervalMs   = 250
	defaultFetchPerMinute    = 1200
	defaultFetchCallTimeout  = 30
	defaultBreakerThreshold  = 5
	defaultBreakerCooldown   = 60
	defaultOutputDir         = "data"
	defaultOutputFormat      = "csv"
	defaultJobsMaxConcurrent = 2
	defaultArchiveSubdir     = "archive"
	defaultRunlogFile        = "runs.db"
	defaultSyncTimeframe     = "1h"
	defaultSyncLookback      = 500
	defaultSyncOffset        = 10
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Binance.applyDefaults(keys)
	c.Fetch.applyDefaults(keys)
	c.Output.applyDefaults(keys)
	c.Jobs.applyDefaults(keys)
	c.Sync.applyDefaults(keys)
}

// Default 返回未读取任何文件时的配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(nil)
	return &cfg
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (b *BinanceConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	b.Market = strings.ToLower(strings.TrimSpace(b.Market))
	b.Transport = strings.ToLower(strings.TrimSpace(b.Transport))
	applyFieldDefaults(keys,
		stringFieldDefault("binance.market", &b.Market, defaultBinanceMarket),
		stringFieldDefault("binance.transport", &b.Transport, defaultBinanceTransport),
		intFieldDefault("binance.http_timeout_seconds", &b.HTTPTimeoutSeconds, defaultBinanceTimeout),
	)
	// rest_base_url 留空时由 gateway 按 market 选择
}

func (f *FetchConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("fetch.limit", &f.Limit, defaultFetchLimit),
		intFieldDefault("fetch.max_concurrency", &f.MaxConcurrency, defaultFetchConcurrency),
		intFieldDefault("fetch.retry_limit", &f.RetryLimit, defaultFetchRetryLimit),
		intFieldDefault("fetch.rate_limit_interval_ms", &f.RateLimitIntervalMs, defaultFetchIntervalMs),
		intFieldDefault("fetch.requests_per_minute", &f.RequestsPerMinute, defaultFetchPerMinute),
		intFieldDefault("fetch.call_timeout_seconds", &f.CallTimeoutSeconds, defaultFetchCallTimeout),
		stringFieldDefault("fetch.policy", &f.Policy, orchestrator.BestEffort.String()),
		intFieldDefault("fetch.breaker_threshold", &f.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("fetch.breaker_cooldown_seconds", &f.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
}

func (o *OutputConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	o.Format = strings.ToLower(strings.TrimSpace(o.Format))
	applyFieldDefaults(keys,
		stringFieldDefault("output.dir", &o.Dir, defaultOutputDir),
		stringFieldDefault("output.format", &o.Format, defaultOutputFormat),
	)
}

func (j *JobsConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("jobs.max_concurrent", &j.MaxConcurrent, defaultJobsMaxConcurrent),
	)
}

func (s *SyncConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	s.Timeframe = strings.TrimSpace(s.Timeframe)
	applyFieldDefaults(keys,
		stringFieldDefault("sync.timeframe", &s.Timeframe, defaultSyncTimeframe),
		intFieldDefault("sync.lookback_candles", &s.LookbackCandles, defaultSyncLookback),
		intFieldDefault("sync.offset_seconds", &s.OffsetSeconds, defaultSyncOffset),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
