package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"klines/internal/config"
	"klines/internal/jobs"
	"klines/internal/logger"
	"klines/internal/store/archive"
	"klines/internal/store/runlog"
	apihttp "klines/internal/transport/http/api"
)

// Server 负责 serve 模式：后台任务 + HTTP API。
type Server struct {
	stack   *Stack
	archive *archive.Archive
	runs    *runlog.Store
	jobs    *jobs.Service
	http    *apihttp.Server
	sync    *syncer
}

// BuildServer 在 Stack 之上打开归档与运行记录，并挂上 HTTP 接口。
func (b *Builder) BuildServer(ctx context.Context) (srv *Server, err error) {
	stack, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	cfg := b.cfg
	srv = &Server{stack: stack}
	defer func() {
		if err != nil {
			_ = srv.Close()
		}
	}()

	if srv.archive, err = archive.Open(cfg.Output.Archive()); err != nil {
		return nil, fmt.Errorf("打开归档失败: %w", err)
	}
	if srv.runs, err = runlog.Open(cfg.Output.Runlog()); err != nil {
		return nil, fmt.Errorf("打开运行记录失败: %w", err)
	}
	srv.jobs, err = jobs.NewService(jobs.Config{
		Adapter:       stack.Client,
		Archive:       srv.archive,
		Runs:          srv.runs,
		Source:        stack.Source,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Tuning:        TuningFromConfig(cfg),
		Now:           b.now,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Sync.Enabled {
		if srv.sync, err = newSyncer(srv.jobs, cfg.Sync, b.now); err != nil {
			return nil, fmt.Errorf("初始化定时补全失败: %w", err)
		}
	}
	if srv.http, err = apihttp.NewServer(apihttp.Config{Addr: cfg.App.HTTPAddr, Svc: srv.jobs}); err != nil {
		return nil, err
	}
	logger.Infof("✓ serve 组件就绪: archive=%s runlog=%s addr=%s", cfg.Output.Archive(), cfg.Output.Runlog(), cfg.App.HTTPAddr)
	return srv, nil
}

func (s *Server) Jobs() *jobs.Service { return s.jobs }

func (s *Server) HTTP() *apihttp.Server { return s.http }

// ApplyConfig 把热更新后的配置推给后续任务；transport 与限速器不重建。
func (s *Server) ApplyConfig(cfg *config.Config) {
	if s == nil || cfg == nil {
		return
	}
	logger.SetLevel(cfg.App.LogLevel)
	s.jobs.UpdateTuning(TuningFromConfig(cfg))
}

// Run 启动 HTTP 服务（以及启用时的定时补全）直到 ctx 取消。
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.http == nil {
		return fmt.Errorf("server not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if s.sync != nil {
		group.Go(func() error {
			s.sync.run(ctx)
			return nil
		})
	}
	return group.Wait()
}

// Close 先停任务，再关闭存储与 client。
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.jobs != nil {
		errs = append(errs, s.jobs.Close())
	}
	if s.runs != nil {
		errs = append(errs, s.runs.Close())
	}
	if s.archive != nil {
		errs = append(errs, s.archive.Close())
	}
	errs = append(errs, s.stack.Close())
	return errors.Join(errs...)
}
