package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "klines.yaml", "app:\n  env: prod\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, defaultAppLogLevel, cfg.App.LogLevel)
	assert.Equal(t, "spot", cfg.Binance.Market)
	assert.Equal(t, "rest", cfg.Binance.Transport)
	assert.Equal(t, 500, cfg.Fetch.Limit)
	assert.Equal(t, 3, cfg.Fetch.RetryLimit)
	assert.Equal(t, "best-effort", cfg.Fetch.Policy)
	assert.Equal(t, 250*time.Millisecond, cfg.Fetch.RateLimitInterval())
	assert.Equal(t, "csv", cfg.Output.Format)
	assert.Equal(t, filepath.Join("data", "archive"), cfg.Output.Archive())
	assert.Equal(t, filepath.Join("data", "runs.db"), cfg.Output.Runlog())
	assert.Equal(t, 2, cfg.Jobs.MaxConcurrent)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadIncludeChain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "fetch:\n  limit: 1000\n  max_concurrency: 8\nbinance:\n  market: futures\n")
	path := writeFile(t, dir, "klines.yaml", "include:\n  - base.yaml\nfetch:\n  max_concurrency: 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Fetch.Limit)
	assert.Equal(t, 2, cfg.Fetch.MaxConcurrency, "later file wins")
	assert.Equal(t, "futures", cfg.Binance.Market)
}

func TestLoadSingleInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "output:\n  format: both\n")
	path := writeFile(t, dir, "klines.yaml", "include: base.yaml\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "both", cfg.Output.Format)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadExplicitZeroIsValidated(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "klines.yaml", "fetch:\n  limit: 0\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.limit")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"market":     "binance:\n  market: margin\n",
		"transport":  "binance:\n  transport: grpc\n",
		"url":        "binance:\n  rest_base_url: not a url\n",
		"policy":     "fetch:\n  policy: sometimes\n",
		"format":     "output:\n  format: parquet\n",
		"log_level":  "app:\n  log_level: chatty\n",
		"sync_empty": "sync:\n  enabled: true\n",
		"sync_tf":    "sync:\n  enabled: true\n  symbols: [BTC/USDT]\n  timeframe: 2w\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "klines.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadSync(t *testing.T) {
	body := "sync:\n  enabled: true\n  symbols: [BTC/USDT, ETHUSDT]\n  timeframe: 4h\n  offset_seconds: 0\n"
	cfg, err := Load(writeFile(t, t.TempDir(), "klines.yaml", body))
	require.NoError(t, err)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, []string{"BTC/USDT", "ETHUSDT"}, cfg.Sync.Symbols)
	assert.Equal(t, "4h", cfg.Sync.Timeframe)
	assert.Equal(t, 500, cfg.Sync.LookbackCandles)
	assert.Zero(t, cfg.Sync.Offset(), "explicit zero offset kept")

	assert.Equal(t, 10*time.Second, Default().Sync.Offset())
	assert.False(t, Default().Sync.Enabled)
}

func TestLoadWeaklyTyped(t *testing.T) {
	path := writeFile(t, t.TempDir(), "klines.yaml", "fetch:\n  limit: \"750\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.Fetch.Limit)
}

func TestLoadFlagOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "klines.yaml", "fetch:\n  limit: 800\n  max_concurrency: 6\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("limit", 0, "")
	fs.Int("concurrency", 0, "")
	require.NoError(t, fs.Parse([]string{"--limit", "100"}))

	cfg, err := Load(path,
		FlagBinding{Key: "fetch.limit", Flag: fs.Lookup("limit")},
		FlagBinding{Key: "fetch.max_concurrency", Flag: fs.Lookup("concurrency")},
	)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Fetch.Limit, "changed flag wins")
	assert.Equal(t, 6, cfg.Fetch.MaxConcurrency, "untouched flag keeps file value")
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/klines.yaml")
	assert.Equal(t, "cli.yaml", ResolvePath(" cli.yaml "))
	assert.Equal(t, "/etc/klines.yaml", ResolvePath(""))

	t.Setenv(EnvConfigPath, "")
	t.Chdir(t.TempDir())
	assert.Equal(t, "", ResolvePath(""))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "klines.yaml", "fetch:\n  max_concurrency: 2\n")

	w, err := Watch(path)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Current().Fetch.MaxConcurrency)

	var seen atomic.Int64
	w.Subscribe(func(cfg *Config) {
		seen.Store(int64(cfg.Fetch.MaxConcurrency))
	})
	writeFile(t, dir, "klines.yaml", "fetch:\n  max_concurrency: 7\n")

	require.Eventually(t, func() bool { return seen.Load() == 7 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 7, w.Current().Fetch.MaxConcurrency)
}

func TestWatchKeepsConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "klines.yaml", "fetch:\n  limit: 300\n")

	w, err := Watch(path)
	require.NoError(t, err)
	writeFile(t, dir, "klines.yaml", "fetch:\n  limit: -1\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 300, w.Current().Fetch.Limit)
}

func TestWatchRequiresPath(t *testing.T) {
	_, err := Watch(" ")
	assert.Error(t, err)
}
