package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"histfetch/internal/config"
	"histfetch/internal/config/loader"
	"histfetch/internal/fetch"
	"histfetch/internal/logger"
	"histfetch/internal/metrics"
	"histfetch/internal/progress"
	"histfetch/internal/provider/binance"
	"histfetch/internal/ratelimit"
	"histfetch/internal/scheduler"
	"histfetch/internal/sink"
	fetchhttp "histfetch/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App 持有一次进程生命周期内的全部依赖。
type App struct {
	ConfigPath string

	cfg      *config.Config
	entities *loader.EntityLoader
	store    *progress.Store
	limiter  *ratelimit.Limiter
	source   *binance.Source
	writer   sink.Writer
	metrics  *metrics.Metrics
	svc      *fetch.Service
	cleanup  func()
}

// New 根据配置构建应用（不启动）。构建失败即为致命错误：数据源无法初始化或进度文件损坏。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	a, cleanup, err := buildAppWithWire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cleanup = cleanup
	return a, nil
}

func (a *App) Close() {
	if a == nil || a.cleanup == nil {
		return
	}
	if a.svc != nil {
		a.svc.Wait()
	}
	a.cleanup()
	a.cleanup = nil
}

func (a *App) Service() *fetch.Service { return a.svc }

func (a *App) PrintSummary(w io.Writer) {
	a.summary().Print(w)
}

// RunOnce 执行一次完整运行。
func (a *App) RunOnce(ctx context.Context) (fetch.Stats, error) {
	return a.svc.RunFetch(ctx)
}

// Serve 启动 HTTP API 与调度器，直到 ctx 结束。
func (a *App) Serve(ctx context.Context) error {
	srv, err := fetchhttp.NewServer(fetchhttp.Config{
		Addr:    a.cfg.HTTP.Addr,
		Svc:     a.svc,
		Metrics: a.metrics.Handler(),
	})
	if err != nil {
		return err
	}
	sched, err := scheduler.New(a.svc, scheduler.Options{
		Cron:          a.cfg.Schedule.Cron,
		RunOnStart:    a.cfg.Schedule.RunOnStart,
		WatchEntities: a.cfg.Schedule.WatchEntities,
	})
	if err != nil {
		return err
	}
	if a.cfg.Schedule.WatchEntities {
		if err := a.entities.Watch(); err != nil {
			return fmt.Errorf("监听实体文件失败: %w", err)
		}
		sched.Attach(a.entities)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return sched.Start(ctx)
	})
	err = group.Wait()
	// 后台运行随 ctx 取消，等它们退出后才能关闭 sink
	a.svc.Wait()
	return err
}

// Merge 合并所有实体的 CSV 输出为一个文件，并附带数据质量报告。
func (a *App) Merge(ctx context.Context, outDir string) (sink.MergeReport, error) {
	if kind := a.cfg.Storage.SinkKind(); kind != sink.KindCSV {
		return sink.MergeReport{}, fmt.Errorf("merge 只支持 csv sink，当前为 %s", kind)
	}
	paths := a.sinkPaths()
	if len(paths) == 0 {
		return sink.MergeReport{}, errors.New("没有可合并的输出文件")
	}
	if strings.TrimSpace(outDir) == "" {
		outDir = a.cfg.Storage.DataDir
	}
	opts := sink.MergeOptions{
		OutDir:   outDir,
		Prefix:   a.cfg.Storage.MergePrefix,
		Location: a.cfg.Fetch.Location(),
	}
	if !a.cfg.Fetch.IncludeExtendedHours {
		cal := sink.NewTradingCalendar(a.cfg.Quality.CalendarMIC)
		if cal.Fallback() {
			logger.Warnf("[merge] 未找到交易日历 %s，按周一至周五统计", a.cfg.Quality.CalendarMIC)
		}
		opts.Calendar = cal
	}
	return sink.Merge(ctx, paths, opts)
}

// sinkPaths 进度中记录的输出路径，其次是当前实体的默认路径；按有效期排序。
func (a *App) sinkPaths() []string {
	snap := a.store.Snapshot()
	list := make([]progress.Progress, 0, len(snap))
	for _, p := range snap {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ValidUntil.Before(list[j].ValidUntil) })
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if strings.TrimSpace(p) == "" {
			return
		}
		p = filepath.Clean(p)
		if seen[p] {
			return
		}
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}
	for _, p := range list {
		add(p.CSVPath)
	}
	for _, e := range a.entities.Entities() {
		add(a.writer.PathFor(e))
	}
	return paths
}

// ResetProgress 删除进度文件。不读取现有内容，损坏的进度文件也能用它清掉。
func ResetProgress(cfg *config.Config) error {
	return progress.NewStore(cfg.Storage.ProgressFile, runConfig(cfg)).Reset()
}
