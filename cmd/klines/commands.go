package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"klines/internal/app"
	"klines/internal/config"
	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/pkg/symbol"
	"klines/internal/timeframe"
)

var errAborted = errors.New("aborted by user")

type fetchOptions struct {
	startDate       string
	endDate         string
	timeframe       string
	yes             bool
	skipMarketCheck bool
}

var fetchBindings = map[string]string{
	"output-dir":  "output.dir",
	"format":      "output.format",
	"limit":       "fetch.limit",
	"concurrency": "fetch.max_concurrency",
	"policy":      "fetch.policy",
	"market":      "binance.market",
	"transport":   "binance.transport",
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch SYMBOL...",
		Short: "Fetch klines for one or more symbols",
		Example: `  klines fetch BTC/USDT ETH/USDT --start-date "2019-01-24 00:00:00" --timeframe 1h
  klines fetch BTCUSDT --start-date 2020-01-01 --end-date 2020-06-01 --format both`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, root, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.startDate, "start-date", "", "start downloading data from this date, e.g. 2019-01-24 00:00:00 (UTC)")
	f.StringVar(&opts.endDate, "end-date", "", "download data up to this date (UTC, default: now)")
	f.StringVar(&opts.timeframe, "timeframe", "1h", "kline interval: "+strings.Join(timeframe.Supported(), ", "))
	f.String("output-dir", "", "directory for the output files")
	f.String("format", "", "output format: csv, sqlite or both")
	f.Int("limit", 0, "max rows per request")
	f.Int("concurrency", 0, "max symbols fetched at the same time")
	f.String("policy", "", "failure policy: best-effort or fail-fast")
	f.String("market", "", "binance market: spot or futures")
	f.String("transport", "", "binance transport: rest or sdk")
	f.BoolVarP(&opts.yes, "yes", "y", false, "do not ask before writing into an existing output dir")
	f.BoolVar(&opts.skipMarketCheck, "skip-market-check", false, "do not check symbols against the exchange market list")
	_ = cmd.MarkFlagRequired("start-date")
	return cmd
}

func runFetch(cmd *cobra.Command, root *rootOptions, opts *fetchOptions, args []string) error {
	start, err := market.ParseTime(opts.startDate)
	if err != nil {
		return fmt.Errorf("--start-date: %w", err)
	}
	var end time.Time
	if opts.endDate != "" {
		if end, err = market.ParseTime(opts.endDate); err != nil {
			return fmt.Errorf("--end-date: %w", err)
		}
	}
	if !timeframe.Valid(opts.timeframe) {
		return fmt.Errorf("%w: %q (supported: %s)", timeframe.ErrInvalidTimeframe, opts.timeframe, strings.Join(timeframe.Supported(), ", "))
	}

	cfg, err := root.loadConfig(cmd, fetchBindings)
	if err != nil {
		return err
	}
	if f, err := setupLogOutput(cfg.App.LogPath); err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	} else if f != nil {
		defer f.Close()
	}
	if cmd.Flags().Changed("output-dir") && !opts.yes {
		if err := checkDirPath(cfg.Output.Dir, root.in, root.out); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	stack, err := app.NewStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	symbols := symbol.NormalizeList(args)
	if !opts.skipMarketCheck {
		if err := checkMarkets(cmd, stack, symbols); err != nil {
			return err
		}
	}

	began := time.Now()
	report, err := stack.Fetch(ctx, app.FetchOptions{
		Symbols:   symbols,
		Timeframe: opts.timeframe,
		Start:     start,
		End:       end,
		OutputDir: cfg.Output.Dir,
		Format:    cfg.Output.Format,
	})
	logger.Infof("fetch 用时 %s", time.Since(began).Round(time.Millisecond))
	if report != nil {
		report.PrintSummary(root.out)
	}
	return err
}

func checkMarkets(cmd *cobra.Command, stack *app.Stack, symbols []string) error {
	listed, err := stack.Markets(cmd.Context())
	if err != nil {
		return fmt.Errorf("获取交易对列表失败: %w (use --skip-market-check to bypass)", err)
	}
	available := make(map[string]struct{}, len(listed))
	for _, m := range listed {
		available[m] = struct{}{}
	}
	var missing []string
	for _, s := range symbols {
		if _, ok := available[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("some symbols are not available on Binance: %s", strings.Join(missing, ", "))
	}
	return nil
}

// checkDirPath 在输出目录已存在时要求确认。
func checkDirPath(path string, in io.Reader, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	fmt.Fprint(out, "The output folder already exists. Continue? [y/n] ")
	answer, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return fmt.Errorf("%s already exists: %w", path, errAborted)
	}
}

func newMarketsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "markets",
		Short: "List tradeable symbols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig(cmd, map[string]string{"market": "binance.market", "transport": "binance.transport"})
			if err != nil {
				return err
			}
			stack, err := app.NewStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stack.Close()
			list, err := stack.Markets(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range list {
				fmt.Fprintln(root.out, m)
			}
			return nil
		},
	}
	cmd.Flags().String("market", "", "binance market: spot or futures")
	cmd.Flags().String("transport", "", "binance transport: rest or sdk")
	return cmd
}

func newTimeframesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "timeframes",
		Short: "List supported timeframes",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			for _, key := range timeframe.Supported() {
				tf, _ := timeframe.Parse(key)
				fmt.Fprintf(root.out, "%-4s %d\n", tf.Key, tf.Millis())
			}
			return nil
		},
	}
}

func newServeCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch job HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bindings := map[string]string{"addr": "app.http_addr", "output-dir": "output.dir"}
			cfg, err := root.loadConfig(cmd, bindings)
			if err != nil {
				return err
			}
			if f, err := setupLogOutput(cfg.App.LogPath); err != nil {
				return fmt.Errorf("初始化日志文件失败: %w", err)
			} else if f != nil {
				defer f.Close()
			}
			ctx := cmd.Context()
			srv, err := app.NewServer(ctx, cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			if path := config.ResolvePath(root.configPath); path != "" {
				var flags []config.FlagBinding
				for name, key := range bindings {
					flags = append(flags, config.FlagBinding{Key: key, Flag: cmd.Flags().Lookup(name)})
				}
				w, err := config.Watch(path, flags...)
				if err != nil {
					logger.Warnf("配置热更新不可用: %v", err)
				} else {
					w.Subscribe(srv.ApplyConfig)
				}
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address, e.g. :9991")
	cmd.Flags().String("output-dir", "", "data directory (archive and run log)")
	return cmd
}
