// Package jobs runs background fetch jobs for serve mode: it checks the
// candle archive, downloads only what is missing and records every run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"klines/internal/exchange"
	"klines/internal/fetcher"
	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/orchestrator"
	"klines/internal/pkg/symbol"
	"klines/internal/store/archive"
	"klines/internal/store/runlog"
	"klines/internal/timeframe"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrClosed   = errors.New("job service closed")
)

// Tuning 可在运行中更新，只影响之后提交的任务。
type Tuning struct {
	MaxRows        int
	MaxConcurrency int
	Policy         orchestrator.Policy
}

// Config 配置 Service。
type Config struct {
	Adapter       exchange.Adapter
	Archive       *archive.Archive
	Runs          *runlog.Store
	Source        string
	MaxConcurrent int
	Tuning        Tuning
	Now           func() time.Time
}

// Service 负责管理任务、协调拉取与写库。
type Service struct {
	adapter exchange.Adapter
	archive *archive.Archive
	runs    *runlog.Store
	source  string
	now     func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.RWMutex
	tuning  Tuning
	jobs    map[string]*Job
	order   []string
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
	closed  bool

	baseCtx context.Context
	stop    context.CancelFunc
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("adapter 不能为空")
	}
	if cfg.Archive == nil {
		return nil, fmt.Errorf("archive 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	svc := &Service{
		adapter: cfg.Adapter,
		archive: cfg.Archive,
		runs:    cfg.Runs,
		source:  cfg.Source,
		now:     cfg.Now,
		sem:     make(chan struct{}, maxConcurrent),
		tuning:  normalizeTuning(cfg.Tuning),
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
		baseCtx: ctx,
		stop:    stop,
	}
	return svc, nil
}

func normalizeTuning(t Tuning) Tuning {
	if t.MaxRows <= 0 {
		t.MaxRows = fetcher.DefaultMaxRows
	}
	if t.MaxConcurrency <= 0 {
		t.MaxConcurrency = 1
	}
	return t
}

// UpdateTuning 替换拉取参数。
func (s *Service) UpdateTuning(t Tuning) {
	t = normalizeTuning(t)
	s.mu.Lock()
	s.tuning = t
	s.mu.Unlock()
	logger.Infof("[jobs] tuning 更新: rows=%d concurrency=%d policy=%s", t.MaxRows, t.MaxConcurrency, t.Policy)
}

func (s *Service) Tuning() Tuning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tuning
}

// Submit 提交拉取任务；若区间已完整只做一致性检查。
func (s *Service) Submit(params Params) (Job, error) {
	plan, err := s.plan(params)
	if err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Job{}, ErrClosed
	}
	tuning := s.tuning
	if plan.policySet {
		tuning.Policy = plan.policy
	}
	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Params:    plan.params,
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, sym := range plan.params.Symbols {
		report := plan.reports[sym]
		job.Symbols = append(job.Symbols, SymbolState{
			Symbol:  sym,
			Status:  StatusPending,
			Missing: append([]archive.Gap(nil), report.Gaps...),
		})
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	done := make(chan struct{})
	s.done[job.ID] = done
	// 与 closed 检查同一临界区登记，Close 与 Cancel 都能看到这个任务
	s.wg.Add(1)
	var ctx context.Context
	var cancel context.CancelFunc
	if plan.gapCount() > 0 {
		ctx, cancel = context.WithCancel(s.baseCtx)
		s.cancels[job.ID] = cancel
	}
	s.mu.Unlock()

	logger.Infof("[jobs] 任务 %s 提交：%v %s [%s, %s) 缺口=%d", job.ID, plan.params.Symbols, plan.params.Timeframe,
		plan.params.Start.Format(market.TimestampLayout), plan.params.End.Format(market.TimestampLayout), plan.gapCount())

	if cancel == nil {
		s.finish(job.ID, StatusDone, "数据已完整，无需重新拉取", "")
		close(done)
		s.wg.Done()
		return s.snapshot(job.ID), nil
	}

	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()
		s.runJob(ctx, job.ID, plan, tuning)
	}()
	return s.snapshot(job.ID), nil
}

type jobPlan struct {
	params    Params
	tf        timeframe.Timeframe
	policy    orchestrator.Policy
	policySet bool
	reports   map[string]archive.IntegrityReport
}

func (p jobPlan) gapCount() int {
	n := 0
	for _, r := range p.reports {
		n += len(r.Gaps)
	}
	return n
}

func (p jobPlan) gaps() map[string][]archive.Gap {
	out := make(map[string][]archive.Gap, len(p.reports))
	for sym, r := range p.reports {
		out[sym] = r.Gaps
	}
	return out
}

func (s *Service) plan(params Params) (jobPlan, error) {
	syms := symbol.NormalizeList(params.Symbols)
	if len(syms) == 0 {
		return jobPlan{}, fmt.Errorf("%w: symbols 不能为空", market.ErrInvalidRequest)
	}
	tf, err := timeframe.Parse(params.Timeframe)
	if err != nil {
		return jobPlan{}, err
	}
	p := jobPlan{tf: tf, reports: make(map[string]archive.IntegrityReport, len(syms))}
	if strings.TrimSpace(params.Policy) != "" {
		pol, err := orchestrator.ParsePolicy(params.Policy)
		if err != nil {
			return jobPlan{}, err
		}
		p.policy, p.policySet = pol, true
		params.Policy = pol.String()
	}
	now := s.now()
	for _, sym := range syms {
		req, _ := market.FetchRequest{Symbol: sym, Timeframe: tf.Key, Start: params.Start, End: params.End}.Normalize(now)
		if err := req.Validate(); err != nil {
			return jobPlan{}, err
		}
		params.Start, params.End = req.Start, req.End
	}
	params.Symbols = syms
	params.Timeframe = tf.Key
	p.params = params

	start, end := params.Start.UnixMilli(), params.End.UnixMilli()
	for _, sym := range syms {
		report, err := s.archive.Integrity(s.baseCtx, sym, tf, start, end)
		if err != nil {
			return jobPlan{}, fmt.Errorf("%s 完整性检查失败: %w", sym, err)
		}
		p.reports[sym] = report
	}
	return p, nil
}

func (s *Service) runJob(ctx context.Context, jobID string, plan jobPlan, tuning Tuning) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finish(jobID, cancelStatus(s.baseCtx), ctx.Err().Error(), "")
		return
	}
	defer func() { <-s.sem }()

	loop := fetcher.New(s.adapter, fetcher.Options{
		MaxRows: tuning.MaxRows,
		Now:     s.now,
		OnProgress: func(p fetcher.Progress) {
			s.updateJob(jobID, func(j *Job) { j.Completed++ })
		},
		OnState: func(sym string, st fetcher.State) {
			if st != fetcher.StateFetching {
				return
			}
			s.updateJob(jobID, func(j *Job) {
				if ss := j.symbol(sym); ss != nil && ss.Status == StatusPending {
					ss.Status = StatusRunning
				}
			})
		},
	})
	runner := &gapRunner{loop: loop, gaps: plan.gaps()}
	orch := orchestrator.New(runner, orchestrator.Options{MaxConcurrency: tuning.MaxConcurrency, Policy: tuning.Policy})

	var reqs []market.FetchRequest
	total := 0
	for _, sym := range plan.params.Symbols {
		if len(plan.reports[sym].Gaps) == 0 {
			s.updateJob(jobID, func(j *Job) {
				if ss := j.symbol(sym); ss != nil {
					ss.Status = StatusDone
				}
			})
			continue
		}
		req := market.FetchRequest{Symbol: sym, Timeframe: plan.tf.Key, Start: plan.params.Start, End: plan.params.End}
		total += runner.Windows(req)
		reqs = append(reqs, req)
	}
	s.updateJob(jobID, func(j *Job) {
		j.Status = StatusRunning
		j.Total = total
	})
	logger.Infof("[jobs] 任务 %s 开始，%d 个交易对，%d 个分页", jobID, len(reqs), total)

	run := runlog.Run{
		ID:        jobID,
		Source:    s.source,
		Timeframe: plan.tf.Key,
		Start:     plan.params.Start.UnixMilli(),
		End:       plan.params.End.UnixMilli(),
		Policy:    tuning.Policy.String(),
		Status:    runlog.StatusRunning,
		StartedAt: s.now(),
	}
	s.saveRun(run)

	rs, err := orch.Stream(ctx, reqs, func(ev orchestrator.Event) error {
		if _, err := s.archive.Insert(ctx, ev.Batch.Symbol, ev.Batch.Timeframe, ev.Batch.Candles); err != nil {
			return fmt.Errorf("写入失败: %w", err)
		}
		first, _ := ev.Batch.First()
		last, _ := ev.Batch.Last()
		s.updateJob(jobID, func(j *Job) {
			j.Rows += ev.Batch.Len()
			j.RunID = ev.RunID
			if ss := j.symbol(ev.Batch.Symbol); ss != nil {
				ss.Rows += ev.Batch.Len()
				if ss.First == 0 || first < ss.First {
					ss.First = first
				}
				if last > ss.Last {
					ss.Last = last
				}
			}
		})
		return nil
	})

	outcomes := make(map[string]orchestrator.Outcome)
	if rs != nil {
		for _, o := range rs.Results {
			outcomes[o.Request.Symbol] = o
		}
	}

	start, end := plan.params.Start.UnixMilli(), plan.params.End.UnixMilli()
	status := StatusDone
	failed := 0
	var warnings []string
	s.updateJob(jobID, func(j *Job) {
		if rs != nil {
			j.RunID = rs.RunID
		}
	})
	for _, sym := range plan.params.Symbols {
		report, ierr := s.archive.Integrity(context.WithoutCancel(ctx), sym, plan.tf, start, end)
		o, fetched := outcomes[sym]
		symStatus := StatusDone
		var symErr string
		switch {
		case fetched && o.Err != nil:
			symStatus, symErr = StatusFailed, o.Err.Error()
		case rs == nil && err != nil && len(plan.reports[sym].Gaps) > 0:
			symStatus, symErr = StatusFailed, err.Error()
		case ierr != nil:
			symStatus = StatusPartial
			warnings = append(warnings, sym+" 完整性检查失败: "+ierr.Error())
		case !report.Complete():
			symStatus = StatusPartial
		}
		if symStatus == StatusFailed {
			failed++
		}
		if symStatus != StatusDone {
			status = StatusPartial
		}
		s.updateJob(jobID, func(j *Job) {
			if ss := j.symbol(sym); ss != nil {
				ss.Status = symStatus
				ss.Error = symErr
				if ierr == nil {
					ss.Missing = append([]archive.Gap(nil), report.Gaps...)
				}
			}
		})
	}

	message := "拉取完成"
	errText := ""
	switch {
	case err != nil && ctx.Err() != nil:
		status = cancelStatus(s.baseCtx)
		message, errText = "任务已取消", err.Error()
	case err != nil:
		status = StatusFailed
		message, errText = "拉取失败", err.Error()
	case failed == len(plan.params.Symbols):
		status = StatusFailed
		message = "所有交易对拉取失败"
		errText = rs.Err().Error()
	case status == StatusPartial:
		message = "已完成，但仍存在缺口或失败的交易对"
		if rsErr := rs.Err(); rsErr != nil {
			errText = rsErr.Error()
		}
	}
	s.updateJob(jobID, func(j *Job) {
		if len(warnings) > 0 {
			j.Warnings = append(j.Warnings, warnings...)
		}
	})
	s.finish(jobID, status, message, errText)
	logger.Infof("[jobs] 任务 %s 完成，状态=%s", jobID, status)
}

func cancelStatus(base context.Context) string {
	if base.Err() != nil {
		return StatusFailed
	}
	return StatusCancelled
}

func (s *Service) finish(jobID, status, message, errText string) {
	now := s.now()
	var snap Job
	s.updateJob(jobID, func(j *Job) {
		j.Status = status
		j.Message = message
		j.UpdatedAt = now
		j.FinishedAt = &now
		snap = j.copy()
	})
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()

	run := runlog.Run{
		ID:         snap.ID,
		Source:     s.source,
		Timeframe:  snap.Params.Timeframe,
		Start:      snap.Params.Start.UnixMilli(),
		End:        snap.Params.End.UnixMilli(),
		Status:     status,
		Rows:       snap.Rows,
		Error:      errText,
		StartedAt:  snap.StartedAt,
		FinishedAt: &now,
	}
	for _, ss := range snap.Symbols {
		run.Results = append(run.Results, runlog.SymbolResult{
			Symbol: ss.Symbol,
			Rows:   ss.Rows,
			First:  ss.First,
			Last:   ss.Last,
			File:   s.archive.Path(ss.Symbol, snap.Params.Timeframe),
			Error:  ss.Error,
		})
	}
	run.Policy = s.Tuning().Policy.String()
	if snap.Params.Policy != "" {
		run.Policy = snap.Params.Policy
	}
	s.saveRun(run)
}

func (s *Service) saveRun(r runlog.Run) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Save(context.Background(), r); err != nil {
		logger.Warnf("[jobs] 记录运行 %s 失败: %v", r.ID, err)
	}
}

func (s *Service) updateJob(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
		job.UpdatedAt = s.now()
	}
}

func (s *Service) snapshot(id string) Job {
	job, _ := s.Snapshot(id)
	return job
}

// Snapshot 返回任务副本。
func (s *Service) Snapshot(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// List 按提交顺序返回所有任务的拷贝。
func (s *Service) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].copy())
	}
	return out
}

// Cancel 取消仍在运行的任务，已结束的任务原样返回。
func (s *Service) Cancel(id string) (Job, error) {
	s.mu.RLock()
	_, ok := s.jobs[id]
	cancel := s.cancels[id]
	s.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cancel != nil {
		logger.Infof("[jobs] 取消任务 %s", id)
		cancel()
	}
	return s.snapshot(id), nil
}

// Wait 阻塞直到任务结束或 ctx 取消。
func (s *Service) Wait(ctx context.Context, id string) (Job, error) {
	s.mu.RLock()
	done, ok := s.done[id]
	s.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-done:
		return s.snapshot(id), nil
	case <-ctx.Done():
		return s.snapshot(id), ctx.Err()
	}
}

// QueryCandles 读取归档中指定区间的 K 线。
func (s *Service) QueryCandles(ctx context.Context, sym, tf string, start, end int64, limit int) (market.Candles, error) {
	if strings.TrimSpace(sym) == "" {
		return nil, errors.New("symbol 不能为空")
	}
	if !timeframe.Valid(tf) {
		return nil, fmt.Errorf("%w: %q", timeframe.ErrInvalidTimeframe, tf)
	}
	return s.archive.Query(ctx, symbol.NormalizeList([]string{sym})[0], tf, start, end, limit)
}

// Manifest 读取某个交易对归档的 manifest。
func (s *Service) Manifest(ctx context.Context, sym, tf string) (archive.Manifest, error) {
	if strings.TrimSpace(sym) == "" || !timeframe.Valid(tf) {
		return archive.Manifest{}, errors.New("symbol/timeframe 不合法")
	}
	return s.archive.Manifest(ctx, symbol.NormalizeList([]string{sym})[0], tf)
}

// Runs 返回最近的运行记录。
func (s *Service) Runs(ctx context.Context, limit int) ([]runlog.Run, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.Recent(ctx, limit)
}

func (s *Service) Run(ctx context.Context, id string) (runlog.Run, error) {
	if s.runs == nil {
		return runlog.Run{}, fmt.Errorf("%w: %s", runlog.ErrNotFound, id)
	}
	return s.runs.Get(ctx, id)
}

// Close 取消所有任务并等待其退出，不关闭 adapter 与存储。
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
	return nil
}
