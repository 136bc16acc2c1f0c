// Package fetch 把计划好的块按顺序交给数据源，在限速器控制下写入 sink 并推进进度。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/progress"
	"histfetch/internal/provider"
	"histfetch/internal/ratelimit"
	"histfetch/internal/sink"
)

// ErrEntitySkipped 同一实体在本次运行中已有块失败，其余块不再请求。
var ErrEntitySkipped = errors.New("fetch: entity skipped after earlier failure")

type Outcome int

const (
	OutcomeWritten Outcome = iota
	OutcomeEmpty
	OutcomeSkipped
	OutcomeFailed
	OutcomeUnfetchable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWritten:
		return "written"
	case OutcomeEmpty:
		return "empty"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnfetchable:
		return "unfetchable"
	default:
		return "unknown"
	}
}

// isFailure 失败、跳过、无定义都会让该实体后续块在本次运行中跳过。
func (o Outcome) isFailure() bool {
	return o == OutcomeSkipped || o == OutcomeFailed || o == OutcomeUnfetchable
}

// ChunkResult 单个块的处理结果。
type ChunkResult struct {
	Request    market.ChunkRequest
	Outcome    Outcome
	Received   int
	Written    int
	Duplicates int
	Attempts   int
	Pointer    time.Time
	Completed  bool
	Err        error
}

// Limiter 由 ratelimit.Limiter 实现。
type Limiter interface {
	Wait(ctx context.Context, entity, signature string) error
	Record(entity, signature string)
}

// Tracker 由 progress.Store 实现。
type Tracker interface {
	Advance(entityID string, newPointer time.Time, recordsAdded int64) (progress.Progress, error)
	MarkUnfetchable(entityID, reason string) error
	RecordError(entityID, reason string) error
}

// Observer 接收块结果与重试事件，用于指标；可为空。
type Observer interface {
	ChunkDone(res ChunkResult)
	Retried(kind provider.Kind, backoff time.Duration)
}

// Target 块所属实体及其 sink 位置。
type Target struct {
	Entity   market.Entity
	SinkPath string
}

// RetryPolicy 对 pacing 与未分类错误做指数退避。
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: 5 * time.Second, Multiplier: 2, Max: 30 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	return p
}

// Backoff 第 attempt 次失败之后的等待时间，attempt 从 1 开始。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

type WorkerDeps struct {
	Source   provider.Collaborator
	Limiter  Limiter
	Tracker  Tracker
	Writer   sink.Writer
	Observer Observer
}

type WorkerOption func(*Worker)

// WithSleep 替换退避等待，测试用。
func WithSleep(fn ratelimit.SleepFunc) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

func WithRetry(p RetryPolicy) WorkerOption {
	return func(w *Worker) {
		w.retry = p.withDefaults()
	}
}

// Worker 单线程消费队列；同一时刻最多一个在途请求。
type Worker struct {
	deps    WorkerDeps
	targets map[string]Target
	retry   RetryPolicy
	sleep   ratelimit.SleepFunc
}

func NewWorker(deps WorkerDeps, targets map[string]Target, opts ...WorkerOption) *Worker {
	w := &Worker{
		deps:    deps,
		targets: targets,
		retry:   DefaultRetryPolicy(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 按队列顺序逐块处理，结果依次写入返回的 channel；ctx 取消后停止并关闭 channel。
// 调用方必须读完 channel。
func (w *Worker) Run(ctx context.Context, queue []market.ChunkRequest) <-chan ChunkResult {
	out := make(chan ChunkResult)
	go func() {
		defer close(out)
		failed := make(map[string]bool)
		for _, req := range queue {
			if ctx.Err() != nil {
				return
			}
			var res ChunkResult
			if failed[req.EntityID] {
				res = ChunkResult{Request: req, Outcome: OutcomeSkipped, Err: ErrEntitySkipped}
			} else {
				res = w.process(ctx, req)
				if ctx.Err() != nil && res.Err != nil && errors.Is(res.Err, ctx.Err()) {
					return
				}
			}
			if res.Outcome.isFailure() {
				failed[req.EntityID] = true
			}
			if w.deps.Observer != nil {
				w.deps.Observer.ChunkDone(res)
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (w *Worker) process(ctx context.Context, req market.ChunkRequest) ChunkResult {
	res := ChunkResult{Request: req}
	target, ok := w.targets[req.EntityID]
	if !ok {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("fetch: no target for entity %s", req.EntityID)
		return res
	}
	sig := req.Signature()
	for {
		res.Attempts++
		if err := w.deps.Limiter.Wait(ctx, req.EntityID, sig); err != nil {
			if errors.Is(err, ratelimit.ErrWaitExhausted) {
				logger.Warnf("[fetch] %s 限速等待次数耗尽，本次跳过", req)
				return w.fail(req, res, OutcomeFailed, err)
			}
			res.Err = err
			return res
		}
		w.deps.Limiter.Record(req.EntityID, sig)
		rows, err := w.deps.Source.FetchBars(ctx, req)
		if err == nil {
			return w.commit(ctx, req, target, rows, res)
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}

		kind := provider.KindOf(err)
		switch kind {
		case provider.KindNoData:
			logger.Debugf("[fetch] %s 区间无数据: %v", req, err)
			return w.advanceEmpty(req, res)
		case provider.KindDefinitionNotFound:
			logger.Warnf("[fetch] %s 数据源找不到合约定义，标记为不可抓取: %v", req, err)
			res.Outcome = OutcomeUnfetchable
			res.Err = err
			if merr := w.deps.Tracker.MarkUnfetchable(req.EntityID, err.Error()); merr != nil {
				logger.Errorf("[fetch] %s 写入进度失败: %v", req.EntityID, merr)
			}
			return res
		}

		if res.Attempts >= w.retry.MaxAttempts {
			outcome := OutcomeFailed
			if kind == provider.KindPacing {
				outcome = OutcomeSkipped
			}
			logger.Warnf("[fetch] %s 第 %d 次尝试仍失败(%s)，放弃: %v", req, res.Attempts, kind, err)
			return w.fail(req, res, outcome, err)
		}
		backoff := w.retry.Backoff(res.Attempts)
		logger.Warnf("[fetch] %s 第 %d 次尝试失败(%s)，%s 后重试: %v", req, res.Attempts, kind, backoff, err)
		if w.deps.Observer != nil {
			w.deps.Observer.Retried(kind, backoff)
		}
		if serr := w.sleep(ctx, backoff); serr != nil {
			res.Err = serr
			return res
		}
	}
}

func (w *Worker) commit(ctx context.Context, req market.ChunkRequest, target Target, rows []market.DataRow, res ChunkResult) ChunkResult {
	kept := market.Rows(rows).Within(req.Floor, req.End)
	res.Received = len(kept)
	if dropped := len(rows) - len(kept); dropped > 0 {
		logger.Debugf("[fetch] %s 丢弃 %d 行区间外数据", req, dropped)
	}
	if len(kept) == 0 {
		return w.advanceEmpty(req, res)
	}
	appended, err := w.deps.Writer.Append(ctx, target.Entity, kept, target.SinkPath)
	if err != nil {
		return w.fail(req, res, OutcomeFailed, fmt.Errorf("append %s: %w", target.SinkPath, err))
	}
	res.Written = appended.Written
	res.Duplicates = appended.DuplicatesSkipped

	earliest, _ := kept.Earliest()
	latest, _ := kept.Latest()
	p, err := w.deps.Tracker.Advance(req.EntityID, earliest, int64(appended.Written))
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("advance %s: %w", req.EntityID, err)
		logger.Errorf("[fetch] %s 进度写入失败: %v", req, err)
		return res
	}
	res.Outcome = OutcomeWritten
	res.Pointer = p.LastFetchedPointer
	res.Completed = p.Completed
	logger.Infof("[fetch] %s 写入 %d 行 (重复 %d) [%s, %s]，游标 -> %s", req, res.Written, res.Duplicates,
		earliest.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339),
		p.LastFetchedPointer.UTC().Format(time.RFC3339))
	return res
}

func (w *Worker) advanceEmpty(req market.ChunkRequest, res ChunkResult) ChunkResult {
	p, err := w.deps.Tracker.Advance(req.EntityID, req.Previous(), 0)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("advance %s: %w", req.EntityID, err)
		logger.Errorf("[fetch] %s 进度写入失败: %v", req, err)
		return res
	}
	res.Outcome = OutcomeEmpty
	res.Pointer = p.LastFetchedPointer
	res.Completed = p.Completed
	return res
}

func (w *Worker) fail(req market.ChunkRequest, res ChunkResult, outcome Outcome, err error) ChunkResult {
	res.Outcome = outcome
	res.Err = err
	if rerr := w.deps.Tracker.RecordError(req.EntityID, err.Error()); rerr != nil {
		logger.Errorf("[fetch] %s 记录错误失败: %v", req.EntityID, rerr)
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
