package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Config 是 klines 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Binance BinanceConfig `toml:"binance"`
	Fetch   FetchConfig   `toml:"fetch"`
	Output  OutputConfig  `toml:"output"`
	Jobs    JobsConfig    `toml:"jobs"`
	Sync    SyncConfig    `toml:"sync"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// BinanceConfig 描述行情来源（仅公开 REST 接口）。
type BinanceConfig struct {
	Market             string `toml:"market"`
	RESTBaseURL        string `toml:"rest_base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	ProxyURL           string `toml:"proxy_url"`
	Transport          string `toml:"transport"`
}

func (b BinanceConfig) HTTPTimeout() time.Duration {
	return time.Duration(b.HTTPTimeoutSeconds) * time.Second
}

// FetchConfig 控制分页、限速与并发。
type FetchConfig struct {
	Limit                  int    `toml:"limit"`
	MaxConcurrency         int    `toml:"max_concurrency"`
	RetryLimit             int    `toml:"retry_limit"`
	RateLimitIntervalMs    int    `toml:"rate_limit_interval_ms"`
	RequestsPerMinute      int    `toml:"requests_per_minute"`
	CallTimeoutSeconds     int    `toml:"call_timeout_seconds"`
	Policy                 string `toml:"policy"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

func (f FetchConfig) RateLimitInterval() time.Duration {
	return time.Duration(f.RateLimitIntervalMs) * time.Millisecond
}

func (f FetchConfig) CallTimeout() time.Duration {
	return time.Duration(f.CallTimeoutSeconds) * time.Second
}

func (f FetchConfig) BreakerCooldown() time.Duration {
	return time.Duration(f.BreakerCooldownSeconds) * time.Second
}

type OutputConfig struct {
	Dir        string `toml:"dir"`
	Format     string `toml:"format"`
	ArchiveDir string `toml:"archive_dir"`
	RunlogPath string `toml:"runlog_path"`
}

// Archive 返回 K 线归档目录，未配置时位于 output.dir/archive。
func (o OutputConfig) Archive() string {
	if p := strings.TrimSpace(o.ArchiveDir); p != "" {
		return p
	}
	return filepath.Join(o.Dir, defaultArchiveSubdir)
}

// Runlog 返回运行记录库路径，未配置时位于 output.dir/runs.db。
func (o OutputConfig) Runlog() string {
	if p := strings.TrimSpace(o.RunlogPath); p != "" {
		return p
	}
	return filepath.Join(o.Dir, defaultRunlogFile)
}

type JobsConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
}

// SyncConfig 描述 serve 模式下的定时补全：每根 K 线收盘后回看 lookback_candles 根并只拉缺口。
type SyncConfig struct {
	Enabled         bool     `toml:"enabled"`
	Symbols         []string `toml:"symbols"`
	Timeframe       string   `toml:"timeframe"`
	LookbackCandles int      `toml:"lookback_candles"`
	OffsetSeconds   int      `toml:"offset_seconds"`
}

func (s SyncConfig) Offset() time.Duration {
	return time.Duration(s.OffsetSeconds) * time.Second
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
