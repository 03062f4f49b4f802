package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"klines/internal/jobs"
	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/store/runlog"
	"klines/internal/timeframe"
)

// Server 提供拉取任务与归档查询的 HTTP API。
type Server struct {
	addr   string
	svc    *jobs.Service
	router *gin.Engine
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr string
	Svc  *jobs.Service
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: cfg.Addr, svc: cfg.Svc, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.router.Group("/api")
	api.POST("/fetch", s.handleFetch)
	api.GET("/fetch/:id", s.handleFetchStatus)
	api.DELETE("/fetch/:id", s.handleFetchCancel)
	api.GET("/jobs", s.handleJobs)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/timeframes", s.handleTimeframes)
	api.GET("/data", s.handleManifest)
	api.GET("/candles", s.handleCandles)
}

// Handler 暴露路由，便于测试或挂到其它 server。
func (s *Server) Handler() http.Handler { return s.router }

type fetchRequest struct {
	Symbols   []string `json:"symbols"`
	Symbol    string   `json:"symbol"`
	Timeframe string   `json:"timeframe" binding:"required"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	StartTS   int64    `json:"start_ts"`
	EndTS     int64    `json:"end_ts"`
	Policy    string   `json:"policy"`
}

func (r fetchRequest) params() (jobs.Params, error) {
	p := jobs.Params{Symbols: r.Symbols, Timeframe: r.Timeframe, Policy: r.Policy}
	if s := strings.TrimSpace(r.Symbol); s != "" {
		p.Symbols = append([]string{s}, p.Symbols...)
	}
	var err error
	switch {
	case r.Start != "":
		if p.Start, err = market.ParseTime(r.Start); err != nil {
			return p, err
		}
	case r.StartTS > 0:
		p.Start = time.UnixMilli(r.StartTS).UTC()
	default:
		return p, errors.New("start 或 start_ts 必填")
	}
	switch {
	case r.End != "":
		if p.End, err = market.ParseTime(r.End); err != nil {
			return p, err
		}
	case r.EndTS > 0:
		p.End = time.UnixMilli(r.EndTS).UTC()
	}
	return p, nil
}

func (s *Server) handleFetch(c *gin.Context) {
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.params()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.Submit(params)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, jobs.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	job, ok := s.svc.Snapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleFetchCancel(c *gin.Context) {
	job, err := s.svc.Cancel(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.svc.List()})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.svc.Runs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.svc.Run(c.Request.Context(), c.Param("id"))
	if errors.Is(err, runlog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleTimeframes(c *gin.Context) {
	type entry struct {
		Key        string `json:"key"`
		DurationMs int64  `json:"duration_ms"`
	}
	keys := timeframe.Supported()
	out := make([]entry, 0, len(keys))
	for _, k := range keys {
		ms, _ := timeframe.DurationMs(k)
		out = append(out, entry{Key: k, DurationMs: ms})
	}
	c.JSON(http.StatusOK, gin.H{"timeframes": out})
}

func (s *Server) handleManifest(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	info, err := s.svc.Manifest(c.Request.Context(), symbol, tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start, err := queryTime(c, "start")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	end, err := queryTime(c, "end")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	data, err := s.svc.QueryCandles(c.Request.Context(), symbol, tf, start, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if data == nil {
		data = market.Candles{}
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

// queryTime 接受毫秒时间戳或 "2006-01-02 15:04:05"，缺省为 0。
func queryTime(c *gin.Context, key string) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := market.ParseTime(raw)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("[http] %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
