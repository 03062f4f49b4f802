package app

import (
	"context"
	"fmt"
	"time"

	"klines/internal/config"
	"klines/internal/exchange"
	"klines/internal/fetcher"
	"klines/internal/gateway/binance"
	"klines/internal/jobs"
	"klines/internal/logger"
	"klines/internal/orchestrator"
	"klines/internal/pkg/circuit"
)

// Stack 是一次进程内共享的拉取组件：同一个限速器、熔断器与 transport。
type Stack struct {
	cfg *config.Config
	now func() time.Time

	Source       string
	Throttle     *exchange.Throttle
	Breaker      *circuit.CircuitBreaker
	Transport    exchange.Transport
	Client       *exchange.Client
	Loop         *fetcher.Loop
	Orchestrator *orchestrator.Orchestrator
}

// Config 返回构建时使用的配置。
func (s *Stack) Config() *config.Config { return s.cfg }

// Markets 列出交易所当前可交易的交易对（BASE/QUOTE）。
func (s *Stack) Markets(ctx context.Context) ([]string, error) {
	return s.Client.Markets(ctx)
}

// Close 关闭 client，进而释放 transport 的空闲连接。
func (s *Stack) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

type Builder struct {
	cfg *config.Config

	transportFn func(binance.Config) (exchange.Transport, error)
	now         func() time.Time
}

type BuilderOption func(*Builder)

// WithTransport 替换真实的 Binance transport，测试时注入 fake。
func WithTransport(t exchange.Transport) BuilderOption {
	return func(b *Builder) {
		b.transportFn = func(binance.Config) (exchange.Transport, error) { return t, nil }
	}
}

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBuilder(cfg *config.Config, opts ...BuilderOption) *Builder {
	b := &Builder{
		cfg:         cfg,
		transportFn: binance.New,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 组装 throttle → breaker → transport → client → loop → orchestrator。
func (b *Builder) Build(ctx context.Context) (*Stack, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	bc := binance.Config{
		Market:      cfg.Binance.Market,
		RESTBaseURL: cfg.Binance.RESTBaseURL,
		HTTPTimeout: cfg.Binance.HTTPTimeout(),
		ProxyURL:    cfg.Binance.ProxyURL,
		Transport:   cfg.Binance.Transport,
	}
	tr, err := b.transportFn(bc)
	if err != nil {
		return nil, fmt.Errorf("初始化 binance transport 失败: %w", err)
	}

	throttle := exchange.NewThrottle(cfg.Fetch.RateLimitInterval(), cfg.Fetch.RequestsPerMinute)
	var breaker *circuit.CircuitBreaker
	if cfg.Fetch.BreakerThreshold > 0 {
		breaker = circuit.NewCircuitBreaker("binance-"+cfg.Binance.Market, cfg.Fetch.BreakerThreshold, cfg.Fetch.BreakerCooldown())
		breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
			logger.Warnf("[binance] 熔断器 %s: %s -> %s", name, from, to)
		})
	}
	client := exchange.NewClient(tr, exchange.Options{
		Throttle:    throttle,
		RetryLimit:  cfg.Fetch.RetryLimit,
		CallTimeout: cfg.Fetch.CallTimeout(),
		Breaker:     breaker,
	})

	loop := fetcher.New(client, fetcher.Options{
		MaxRows: pageSize(cfg),
		Now:     b.now,
		OnState: func(sym string, st fetcher.State) {
			logger.Debugf("[fetch] %s -> %s", sym, st)
		},
	})
	orch := orchestrator.New(loop, orchestrator.Options{
		MaxConcurrency: cfg.Fetch.MaxConcurrency,
		Policy:         policy(cfg),
	})
	logger.Infof("✓ 拉取组件就绪: market=%s transport=%s limit=%d concurrency=%d interval=%s policy=%s",
		cfg.Binance.Market, cfg.Binance.Transport, loop.MaxRows(), cfg.Fetch.MaxConcurrency,
		cfg.Fetch.RateLimitInterval(), policy(cfg))

	return &Stack{
		cfg:          cfg,
		now:          b.now,
		Source:       "binance-" + cfg.Binance.Market,
		Throttle:     throttle,
		Breaker:      breaker,
		Transport:    tr,
		Client:       client,
		Loop:         loop,
		Orchestrator: orch,
	}, nil
}

// pageSize 把 fetch.limit 限制在交易所单页上限内，否则窗口会被截断留下缺口。
func pageSize(cfg *config.Config) int {
	limit := cfg.Fetch.Limit
	if ceiling := binance.MaxLimit(cfg.Binance.Market); limit > ceiling {
		logger.Warnf("[binance] fetch.limit=%d 超过 %s 单页上限，使用 %d", limit, cfg.Binance.Market, ceiling)
		limit = ceiling
	}
	return limit
}

func policy(cfg *config.Config) orchestrator.Policy {
	p, _ := orchestrator.ParsePolicy(cfg.Fetch.Policy)
	return p
}

// TuningFromConfig 提取 jobs 服务可热更新的参数。
func TuningFromConfig(cfg *config.Config) jobs.Tuning {
	return jobs.Tuning{
		MaxRows:        pageSize(cfg),
		MaxConcurrency: cfg.Fetch.MaxConcurrency,
		Policy:         policy(cfg),
	}
}

func provideBuilder(cfg *config.Config) *Builder {
	return NewBuilder(cfg)
}

func provideStackFromBuilder(ctx context.Context, b *Builder) (*Stack, error) {
	return b.Build(ctx)
}

func provideServerFromBuilder(ctx context.Context, b *Builder) (*Server, error) {
	return b.BuildServer(ctx)
}

// NewStack 根据配置构建拉取组件（不发起任何请求）。
func NewStack(ctx context.Context, cfg *config.Config) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildStackWithWire(ctx, cfg)
}

// NewServer 根据配置构建 serve 模式所需的全部组件。
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildServerWithWire(ctx, cfg)
}
