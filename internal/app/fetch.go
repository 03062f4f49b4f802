package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/orchestrator"
	"klines/internal/pkg/symbol"
	"klines/internal/sink"
	"klines/internal/store/runlog"
)

// FetchOptions 描述一次命令行拉取。
type FetchOptions struct {
	Symbols   []string
	Timeframe string
	Start     time.Time
	// End 为零时取当前时间
	End       time.Time
	OutputDir string
	Format    string
}

type SymbolReport struct {
	Symbol   string
	Rows     int
	First    int64
	Last     int64
	Location string
	Err      error
}

// FetchReport 汇总一次拉取的结果。
type FetchReport struct {
	RunID     string
	Timeframe string
	Start     time.Time
	End       time.Time
	Policy    orchestrator.Policy
	Format    string
	Symbols   []SymbolReport
	Manifest  string
	Elapsed   time.Duration
	Result    *orchestrator.ResultSet
}

func (r *FetchReport) Rows() int {
	n := 0
	for _, s := range r.Symbols {
		n += s.Rows
	}
	return n
}

// Fetch 拉取所有交易对并写入 sink，结束后写 manifest 与运行记录。
// FailFast 策略下出错时 Result 为 nil，但 manifest 仍记录已写出的部分。
func (s *Stack) Fetch(ctx context.Context, opts FetchOptions) (*FetchReport, error) {
	syms := symbol.NormalizeList(opts.Symbols)
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: 至少需要一个交易对", market.ErrInvalidRequest)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = s.cfg.Output.Dir
	}
	if opts.Format == "" {
		opts.Format = s.cfg.Output.Format
	}
	if opts.End.IsZero() {
		opts.End = s.now()
	}
	reqs := make([]market.FetchRequest, 0, len(syms))
	for _, sym := range syms {
		req, _, err := s.Loop.Prepare(market.FetchRequest{Symbol: sym, Timeframe: opts.Timeframe, Start: opts.Start, End: opts.End})
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	out, err := sink.Open(opts.Format, opts.OutputDir, s.cfg.Output.Archive())
	if err != nil {
		return nil, err
	}
	runs, rerr := runlog.Open(s.cfg.Output.Runlog())
	if rerr != nil {
		logger.Warnf("[fetch] 运行记录不可用: %v", rerr)
		runs = nil
	}
	defer func() {
		if runs != nil {
			_ = runs.Close()
		}
	}()

	report := &FetchReport{
		Timeframe: reqs[0].Timeframe,
		Start:     reqs[0].Start,
		End:       reqs[0].End,
		Policy:    s.Orchestrator.Options().Policy,
		Format:    strings.ToLower(strings.TrimSpace(opts.Format)),
		Symbols:   make([]SymbolReport, len(reqs)),
	}
	for i, r := range reqs {
		report.Symbols[i] = SymbolReport{Symbol: r.Symbol, Location: out.Location(r.Symbol, r.Timeframe)}
	}
	started := time.Now()
	run := runlog.Run{
		Source:    s.Source,
		Timeframe: report.Timeframe,
		Start:     report.Start.UnixMilli(),
		End:       report.End.UnixMilli(),
		Policy:    report.Policy.String(),
		Status:    runlog.StatusRunning,
		StartedAt: started,
	}

	// Stream 串行调用回调，这里无需加锁
	var runID string
	rs, runErr := s.Orchestrator.Stream(ctx, reqs, func(ev orchestrator.Event) error {
		if runID == "" {
			runID = ev.RunID
			run.ID = runID
			saveRun(runs, run)
		}
		if err := out.WriteBatch(ctx, ev.Batch); err != nil {
			return fmt.Errorf("写入 %s 失败: %w", ev.Batch.Symbol, err)
		}
		sr := &report.Symbols[ev.Index]
		if first, ok := ev.Batch.First(); ok && sr.Rows == 0 {
			sr.First = first
		}
		if last, ok := ev.Batch.Last(); ok {
			sr.Last = last
		}
		sr.Rows += ev.Batch.Len()
		return nil
	})
	closeErr := out.Close()
	report.Elapsed = time.Since(started)
	report.Result = rs

	switch {
	case rs != nil:
		report.RunID = rs.RunID
		for i, o := range rs.Results {
			report.Symbols[i].Err = o.Err
		}
	case runID != "":
		report.RunID = runID
	default:
		report.RunID = uuid.NewString()
	}

	manifest := sink.Manifest{
		RunID:       report.RunID,
		GeneratedAt: time.Now().UTC(),
		Timeframe:   report.Timeframe,
		Start:       report.Start.Format(market.TimestampLayout),
		End:         report.End.Format(market.TimestampLayout),
		Policy:      report.Policy.String(),
		Format:      report.Format,
		Elapsed:     report.Elapsed.Round(time.Millisecond).String(),
	}
	if runErr != nil {
		manifest.Error = runErr.Error()
	}
	for _, sr := range report.Symbols {
		entry := sink.ManifestEntry{Symbol: sr.Symbol, Rows: sr.Rows, Location: sr.Location}
		if sr.Rows > 0 {
			entry.First = time.UnixMilli(sr.First).UTC().Format(market.TimestampLayout)
			entry.Last = time.UnixMilli(sr.Last).UTC().Format(market.TimestampLayout)
		}
		if sr.Err != nil {
			entry.Error = sr.Err.Error()
		}
		manifest.Symbols = append(manifest.Symbols, entry)
	}
	path, merr := sink.WriteManifest(opts.OutputDir, manifest)
	if merr != nil {
		logger.Warnf("[fetch] 写 manifest 失败: %v", merr)
	}
	report.Manifest = path

	run.ID = report.RunID
	finishRun(runs, &run, report, runErr)

	if runErr != nil {
		return report, runErr
	}
	if closeErr != nil {
		return report, fmt.Errorf("关闭输出失败: %w", closeErr)
	}
	return report, nil
}

func finishRun(runs *runlog.Store, run *runlog.Run, report *FetchReport, runErr error) {
	finished := time.Now()
	run.FinishedAt = &finished
	run.Rows = report.Rows()
	failed := 0
	for _, sr := range report.Symbols {
		res := runlog.SymbolResult{Symbol: sr.Symbol, Rows: sr.Rows, First: sr.First, Last: sr.Last, File: sr.Location}
		if sr.Err != nil {
			res.Error = sr.Err.Error()
			failed++
		}
		run.Results = append(run.Results, res)
	}
	switch {
	case runErr != nil:
		run.Status = runlog.StatusFailed
		run.Error = runErr.Error()
	case failed == len(report.Symbols):
		run.Status = runlog.StatusFailed
		run.Error = errors.Join(symbolErrs(report)...).Error()
	case failed > 0:
		run.Status = runlog.StatusPartial
		run.Error = errors.Join(symbolErrs(report)...).Error()
	default:
		run.Status = runlog.StatusDone
	}
	saveRun(runs, *run)
}

func symbolErrs(report *FetchReport) []error {
	var errs []error
	for _, sr := range report.Symbols {
		if sr.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sr.Symbol, sr.Err))
		}
	}
	return errs
}

func saveRun(runs *runlog.Store, r runlog.Run) {
	if runs == nil || r.ID == "" {
		return
	}
	if err := runs.Save(context.Background(), r); err != nil {
		logger.Warnf("[fetch] 记录运行 %s 失败: %v", r.ID, err)
	}
}
