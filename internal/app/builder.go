package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"histfetch/internal/config"
	"histfetch/internal/config/loader"
	"histfetch/internal/fetch"
	"histfetch/internal/history"
	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/metrics"
	"histfetch/internal/progress"
	"histfetch/internal/provider/binance"
	"histfetch/internal/ratelimit"
	"histfetch/internal/sink"
)

func provideEntityLoader(cfg *config.Config) (*loader.EntityLoader, func(), error) {
	l, err := loader.NewEntityLoader(cfg.Entities.File, loader.Options{
		Location:     cfg.Fetch.Location(),
		LookbackDays: cfg.Entities.LookbackDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("加载实体文件失败: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func runConfig(cfg *config.Config) progress.RunConfig {
	return progress.RunConfig{
		HistoryWindowYears:   cfg.Fetch.HistoryWindowYears,
		ChunkSpanDays:        cfg.Fetch.ChunkSpanDays,
		IncludeExtendedHours: cfg.Fetch.IncludeExtendedHours,
	}
}

// provideProgressStore 进度文件损坏时直接失败，不做静默重置。
func provideProgressStore(cfg *config.Config) (*progress.Store, error) {
	store := progress.NewStore(cfg.Storage.ProgressFile, runConfig(cfg))
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("读取进度文件 %s 失败（可执行 reset 清空）: %w", cfg.Storage.ProgressFile, err)
	}
	return store, nil
}

func limiterConfig(l config.LimitsConfig) ratelimit.Config {
	base := ratelimit.DefaultConfig()
	base.DuplicateWindow = l.DuplicateWindow()
	base.EntityWindow = l.EntityWindow()
	base.EntityMax = l.EntityMaxRequests
	base.GlobalWindow = l.GlobalWindow()
	base.GlobalMax = l.GlobalMaxRequests
	base.MinInterval = l.MinInterval()
	base.PurgeAfter = l.PurgeAfter()
	base.MaxWaits = l.MaxWaits
	return base
}

func provideLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(limiterConfig(cfg.Limits))
}

func provideSource(cfg *config.Config) (*binance.Source, error) {
	p := cfg.Provider
	if name := strings.ToLower(strings.TrimSpace(p.Name)); name != "binance" {
		return nil, fmt.Errorf("不支持的数据源: %s", p.Name)
	}
	return binance.New(binance.Config{
		BaseURL:           p.RESTURL,
		APIKey:            p.APIKey,
		SecretKey:         p.SecretKey,
		RequestsPerSecond: p.RequestsPerSecond,
		Burst:             p.Burst,
		PageLimit:         p.PageLimit,
		Timeout:           time.Duration(p.TimeoutSec) * time.Second,
		CircuitThreshold:  p.Circuit.FailureThreshold,
		CircuitCooldown:   time.Duration(p.Circuit.CooldownSec) * time.Second,
	}), nil
}

func provideWriter(ctx context.Context, cfg *config.Config) (sink.Writer, func(), error) {
	w, err := sink.Open(ctx, sink.Options{
		Kind:        cfg.Storage.SinkKind(),
		DataDir:     cfg.Storage.DataDir,
		PostgresDSN: cfg.Storage.PostgresDSN,
		Location:    cfg.Fetch.Location(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("打开 sink 失败: %w", err)
	}
	return w, func() {
		if err := w.Close(); err != nil {
			logger.Warnf("[app] 关闭 sink 失败: %v", err)
		}
	}, nil
}

// provideLedger history_db 为空时不记录运行历史，返回 nil。
func provideLedger(cfg *config.Config) (*history.Store, func(), error) {
	path := strings.TrimSpace(cfg.Storage.HistoryDB)
	if path == "" {
		return nil, func() {}, nil
	}
	store, err := history.Open(path, runConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func provideMetrics(limiter *ratelimit.Limiter, store *progress.Store, source *binance.Source) *metrics.Metrics {
	m := metrics.New()
	m.WatchLimiter(limiter)
	m.WatchProgress(store.Statistics)
	m.WatchBreaker(source.Name(), source.Breaker())
	return m
}

func provideService(
	cfg *config.Config,
	entities *loader.EntityLoader,
	store *progress.Store,
	limiter *ratelimit.Limiter,
	source *binance.Source,
	writer sink.Writer,
	ledger *history.Store,
	m *metrics.Metrics,
) (*fetch.Service, error) {
	deps := fetch.ServiceDeps{
		Entities: entities,
		Store:    store,
		Limiter:  limiter,
		Source:   source,
		Writer:   writer,
		Observer: m,
	}
	if ledger != nil {
		deps.Ledger = ledger
	}
	return fetch.NewService(fetch.Settings{
		HistoryWindowYears: cfg.Fetch.HistoryWindowYears,
		Span:               market.Days(cfg.Fetch.ChunkSpanDays),
		MaxChunksPerEntity: cfg.Fetch.MaxChunksPerEntity,
		Retry: fetch.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Initial:     cfg.Retry.InitialBackoff(),
			Multiplier:  cfg.Retry.Multiplier,
			Max:         cfg.Retry.MaxBackoff(),
		},
	}, deps)
}

func newApp(
	cfg *config.Config,
	entities *loader.EntityLoader,
	store *progress.Store,
	limiter *ratelimit.Limiter,
	source *binance.Source,
	writer sink.Writer,
	m *metrics.Metrics,
	svc *fetch.Service,
) *App {
	return &App{
		cfg:      cfg,
		entities: entities,
		store:    store,
		limiter:  limiter,
		source:   source,
		writer:   writer,
		metrics:  m,
		svc:      svc,
	}
}

func (a *App) summary() *StartupSummary {
	lim := a.limiter.Config()
	return &StartupSummary{
		ConfigPath:   a.ConfigPath,
		EntitiesPath: a.entities.Path(),
		Entities:     a.entities.Entities(),
		Offset:       a.cfg.Fetch.Location(),
		Span:         market.Days(a.cfg.Fetch.ChunkSpanDays),
		WindowYears:  a.cfg.Fetch.HistoryWindowYears,
		Sink:         a.cfg.Storage.SinkKind(),
		SinkDir:      a.cfg.Storage.DataDir,
		ProgressFile: a.store.Path(),
		Provider:     a.source.String(),
		Limits: fmt.Sprintf("重复 %s / 单实体 %d 次每 %s / 全局 %d 次每 %s / 间隔 %s",
			lim.DuplicateWindow, lim.EntityMax, lim.EntityWindow, lim.GlobalMax, lim.GlobalWindow, lim.MinInterval),
	}
}
