package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/planner"
	"histfetch/internal/progress"
	"histfetch/internal/provider"
	"histfetch/internal/ratelimit"
	"histfetch/internal/sink"

	"github.com/google/uuid"
)

// ErrRunInProgress 同一进程内已有运行在进行。
var ErrRunInProgress = errors.New("fetch: run already in progress")

const (
	RunStatusRunning  = "running"
	RunStatusDone     = "done"
	RunStatusCanceled = "canceled"
	RunStatusFailed   = "failed"
)

// Stats 一次运行的汇总。
type Stats struct {
	RunID       string    `json:"runId"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
	Entities    int       `json:"entities"`
	Planned     int       `json:"planned"`
	Capped      []string  `json:"capped,omitempty"`
	Processed   int       `json:"processed"`
	Written     int       `json:"written"`
	Empty       int       `json:"empty"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Unfetchable int       `json:"unfetchable"`
	RowsWritten int64     `json:"rowsWritten"`
	Duplicates  int64     `json:"duplicates"`
	Message     string    `json:"message,omitempty"`
}

func (s *Stats) add(res ChunkResult) {
	s.Processed++
	switch res.Outcome {
	case OutcomeWritten:
		s.Written++
	case OutcomeEmpty:
		s.Empty++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	case OutcomeUnfetchable:
		s.Unfetchable++
	}
	s.RowsWritten += int64(res.Written)
	s.Duplicates += int64(res.Duplicates)
}

func (s Stats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "运行 %s 状态=%s\n", s.RunID, s.Status)
	fmt.Fprintf(&b, "实体 %d，计划块 %d，已处理 %d\n", s.Entities, s.Planned, s.Processed)
	fmt.Fprintf(&b, "写入块 %d，空块 %d，跳过 %d，失败 %d，不可抓取 %d\n", s.Written, s.Empty, s.Skipped, s.Failed, s.Unfetchable)
	fmt.Fprintf(&b, "新增行 %d，重复行 %d", s.RowsWritten, s.Duplicates)
	if len(s.Capped) > 0 {
		fmt.Fprintf(&b, "\n达到块数上限: %s", strings.Join(s.Capped, ", "))
	}
	return b.String()
}

// EntitySource 提供当前实体列表，由 loader.EntityLoader 实现。
type EntitySource interface {
	Entities() []market.Entity
}

// Ledger 持久化运行记录；可为空，此时只保留内存中的最近记录。
type Ledger interface {
	SaveRun(ctx context.Context, run Stats) error
	ListRuns(ctx context.Context, limit int) ([]Stats, error)
	GetRun(ctx context.Context, id string) (Stats, bool, error)
}

// RunObserver 可选：Observer 同时实现它时在每次运行结束后收到汇总。
type RunObserver interface {
	RunFinished(run Stats)
}

type Settings struct {
	HistoryWindowYears int
	Span               market.DurationSpec
	MaxChunksPerEntity int
	Retry              RetryPolicy
}

type ServiceDeps struct {
	Entities EntitySource
	Store    *progress.Store
	Limiter  Limiter
	Source   provider.Collaborator
	Writer   sink.Writer
	Ledger   Ledger
	Observer Observer
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackoffSleep 替换 worker 的退避等待，测试用。
func WithBackoffSleep(fn ratelimit.SleepFunc) ServiceOption {
	return func(s *Service) {
		s.sleep = fn
	}
}

const recentRunsKept = 20

// Service 是 CLI 与 HTTP 共用的入口。
type Service struct {
	settings Settings
	deps     ServiceDeps
	now      func() time.Time
	sleep    ratelimit.SleepFunc

	mu      sync.Mutex
	running bool
	current Stats
	recent  []Stats

	async sync.WaitGroup
}

func NewService(settings Settings, deps ServiceDeps, opts ...ServiceOption) (*Service, error) {
	if deps.Entities == nil || deps.Store == nil || deps.Limiter == nil || deps.Source == nil || deps.Writer == nil {
		return nil, errors.New("fetch: entities/store/limiter/source/writer 不能为空")
	}
	if !settings.Span.Valid() {
		return nil, fmt.Errorf("fetch: 无效的块跨度 %s", settings.Span)
	}
	if settings.HistoryWindowYears <= 0 {
		return nil, errors.New("fetch: history window 必须为正")
	}
	settings.Retry = settings.Retry.withDefaults()
	s := &Service{settings: settings, deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) acquire() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return "", ErrRunInProgress
	}
	s.running = true
	id := uuid.NewString()
	s.current = Stats{RunID: id, Status: RunStatusRunning, StartedAt: s.now()}
	return id, nil
}

func (s *Service) release(final Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.current = final
	s.recent = append([]Stats{final}, s.recent...)
	if len(s.recent) > recentRunsKept {
		s.recent = s.recent[:recentRunsKept]
	}
}

// RunFetch 同步执行一次完整运行。已有运行时返回 ErrRunInProgress。
func (s *Service) RunFetch(ctx context.Context) (Stats, error) {
	id, err := s.acquire()
	if err != nil {
		return Stats{}, err
	}
	return s.run(ctx, id)
}

// StartAsync 在后台启动一次运行并立即返回运行 ID。
func (s *Service) StartAsync(ctx context.Context) (string, error) {
	id, err := s.acquire()
	if err != nil {
		return "", err
	}
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		if _, err := s.run(ctx, id); err != nil {
			logger.Errorf("[fetch] 运行 %s 结束: %v", id, err)
		}
	}()
	return id, nil
}

// Wait 阻塞到所有 StartAsync 启动的运行结束。关闭 sink 前调用。
func (s *Service) Wait() {
	s.async.Wait()
}

func (s *Service) run(ctx context.Context, runID string) (stats Stats, err error) {
	s.mu.Lock()
	stats = s.current
	s.mu.Unlock()
	defer func() {
		stats.FinishedAt = s.now()
		switch {
		case err == nil:
			stats.Status = RunStatusDone
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			stats.Status = RunStatusCanceled
			stats.Message = err.Error()
		default:
			stats.Status = RunStatusFailed
			stats.Message = err.Error()
		}
		s.saveRun(stats)
		if ro, ok := s.deps.Observer.(RunObserver); ok {
			ro.RunFinished(stats)
		}
		s.release(stats)
	}()

	if err = s.deps.Store.BeginRun(runID); err != nil {
		return stats, fmt.Errorf("begin run: %w", err)
	}
	queue, targets, err := s.plan(&stats)
	if err != nil {
		return stats, err
	}
	s.setCurrent(stats)
	logger.Infof("[fetch] 运行 %s 开始：%d 个实体，%d 个块", runID, stats.Entities, stats.Planned)

	worker := NewWorker(WorkerDeps{
		Source:   s.deps.Source,
		Limiter:  s.deps.Limiter,
		Tracker:  s.deps.Store,
		Writer:   s.deps.Writer,
		Observer: s.deps.Observer,
	}, targets, WithRetry(s.settings.Retry), WithSleep(s.sleep))
	for res := range worker.Run(ctx, queue) {
		stats.add(res)
		s.setCurrent(stats)
	}
	if cerr := ctx.Err(); cerr != nil {
		return stats, cerr
	}
	stats.Status = RunStatusDone
	logger.InfoBlock(stats.Summary())
	return stats, nil
}

// plan 为每个实体初始化进度并生成轮转合并后的队列。
func (s *Service) plan(stats *Stats) ([]market.ChunkRequest, map[string]Target, error) {
	entities := s.deps.Entities.Entities()
	retention := planner.RetentionStart(s.now(), s.settings.HistoryWindowYears)
	opts := planner.Options{Span: s.settings.Span, MaxChunks: s.settings.MaxChunksPerEntity}
	targets := make(map[string]Target, len(entities))
	plans := make([]planner.Result, 0, len(entities))
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			logger.Warnf("[planner] 跳过无效实体 %s: %v", e.ID, err)
			continue
		}
		path := s.deps.Writer.PathFor(e)
		start := planner.EffectiveStart(e, retention)
		p, err := s.deps.Store.InitEntity(e, start, path)
		if err != nil {
			return nil, nil, fmt.Errorf("init progress %s: %w", e.ID, err)
		}
		if start.After(p.TargetStartPointer) {
			if p, err = s.deps.Store.Retarget(e.ID, start); err != nil {
				return nil, nil, fmt.Errorf("retarget progress %s: %w", e.ID, err)
			}
		}
		if p.CSVPath != "" {
			path = p.CSVPath
		}
		targets[e.ID] = Target{Entity: e, SinkPath: path}
		res := planner.Plan(e, p, retention, opts)
		if res.Capped {
			logger.Warnf("[planner] %s 达到单实体块数上限 %d，剩余区间留到下次运行；请检查有效期配置", e.ID, len(res.Chunks))
			stats.Capped = append(stats.Capped, e.ID)
		}
		plans = append(plans, res)
	}
	stats.Entities = len(targets)
	queue := planner.Interleave(plans)
	stats.Planned = len(queue)
	return queue, targets, nil
}

func (s *Service) setCurrent(st Stats) {
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
}

func (s *Service) saveRun(st Stats) {
	if s.deps.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Ledger.SaveRun(ctx, st); err != nil {
		logger.Warnf("[fetch] 保存运行记录失败: %v", err)
	}
}

// Running 返回当前运行的快照。
func (s *Service) Running() (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.running
}

// Reset 清空全部进度，运行中拒绝。
func (s *Service) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	return s.deps.Store.Reset()
}

func (s *Service) Statistics() progress.Statistics {
	return s.deps.Store.Statistics()
}

func (s *Service) PendingEntities() []progress.Progress {
	return s.deps.Store.Pending()
}

func (s *Service) Progress() map[string]progress.Progress {
	return s.deps.Store.Snapshot()
}

// SinkManifests 汇总每个实体输出库的统计；sink 不支持时 ok 为 false。
func (s *Service) SinkManifests(ctx context.Context) ([]sink.Manifest, bool, error) {
	mr, ok := s.deps.Writer.(sink.ManifestReader)
	if !ok {
		return nil, false, nil
	}
	entities := s.deps.Entities.Entities()
	out := make([]sink.Manifest, 0, len(entities))
	for _, e := range entities {
		path := ""
		if p, found := s.deps.Store.Get(e.ID); found {
			path = p.CSVPath
		}
		m, err := mr.Manifest(ctx, e, path)
		if err != nil {
			return nil, true, fmt.Errorf("manifest %s: %w", e.ID, err)
		}
		out = append(out, m)
	}
	return out, true, nil
}

// Runs 最近的运行记录，新的在前。
func (s *Service) Runs(ctx context.Context, limit int) ([]Stats, error) {
	if limit <= 0 {
		limit = recentRunsKept
	}
	if s.deps.Ledger != nil {
		return s.deps.Ledger.ListRuns(ctx, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.recent) {
		limit = len(s.recent)
	}
	return append([]Stats(nil), s.recent[:limit]...), nil
}

func (s *Service) LastRun(ctx context.Context) (Stats, bool, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil || len(runs) == 0 {
		return Stats{}, false, err
	}
	return runs[0], true, nil
}

func (s *Service) Run(ctx context.Context, id string) (Stats, bool, error) {
	s.mu.Lock()
	if s.current.RunID == id {
		cur := s.current
		s.mu.Unlock()
		return cur, true, nil
	}
	for _, r := range s.recent {
		if r.RunID == id {
			s.mu.Unlock()
			return r, true, nil
		}
	}
	s.mu.Unlock()
	if s.deps.Ledger == nil {
		return Stats{}, false, nil
	}
	return s.deps.Ledger.GetRun(ctx, id)
}
