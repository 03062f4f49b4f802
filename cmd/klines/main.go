package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"klines/internal/config"
	"klines/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	verbose    int
	logLevel   string

	in  io.Reader
	out io.Writer
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{in: in, out: out}
	root := &cobra.Command{
		Use:           "klines",
		Short:         "Download historical Binance klines (OHLCV) into CSV or SQLite",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or configs/klines.yaml)")
	pf.CountVarP(&opts.verbose, "verbose", "v", "increase output verbosity (-v: debug)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newFetchCmd(opts),
		newMarketsCmd(opts),
		newTimeframesCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadConfig 读取配置，并把 cmd 上显式设置的 flag 覆盖进去。
func (o *rootOptions) loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	flags := []config.FlagBinding{{Key: "app.log_level", Flag: cmd.Flags().Lookup("log-level")}}
	for name, key := range bindings {
		flags = append(flags, config.FlagBinding{Key: key, Flag: cmd.Flags().Lookup(name)})
	}
	path := config.ResolvePath(o.configPath)
	cfg, err := config.Load(path, flags...)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	logger.SetVerbosity(o.verbose, cfg.App.LogLevel)
	if path != "" {
		logger.Debugf("✓ 配置加载成功（%s，环境=%s）", path, cfg.App.Env)
	}
	return cfg, nil
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stderr, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
