// Package scheduler 在 serve 模式下按 cron 表达式或实体文件变化触发抓取运行。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"histfetch/internal/config/loader"
	"histfetch/internal/fetch"
	"histfetch/internal/logger"

	"github.com/robfig/cron/v3"
)

// Trigger 由 fetch.Service 实现。
type Trigger interface {
	StartAsync(ctx context.Context) (string, error)
}

type Options struct {
	// Cron 为标准 5 段表达式；为空时只响应手动与文件变化触发。
	Cron          string
	RunOnStart    bool
	WatchEntities bool
}

type Scheduler struct {
	opts    Options
	trigger Trigger
	cron    *cron.Cron

	mu        sync.Mutex
	ctx       context.Context
	triggered int
	skipped   int
}

func New(trigger Trigger, opts Options) (*Scheduler, error) {
	if trigger == nil {
		return nil, errors.New("scheduler: trigger 不能为空")
	}
	s := &Scheduler{
		opts:    opts,
		trigger: trigger,
		cron:    cron.New(),
		ctx:     context.Background(),
	}
	if spec := strings.TrimSpace(opts.Cron); spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.fire("cron") }); err != nil {
			return nil, fmt.Errorf("register cron %q: %w", spec, err)
		}
	}
	return s, nil
}

// Attach 订阅实体文件变化；WatchEntities 关闭时不做任何事。
func (s *Scheduler) Attach(l *loader.EntityLoader) {
	if l == nil || !s.opts.WatchEntities {
		return
	}
	l.Subscribe(func(snap loader.EntitySnapshot) {
		logger.Infof("[scheduler] 实体文件已更新 (version=%d, %d 个实体)", snap.Version, len(snap.Entities))
		s.fire("entities")
	})
}

// Start 启动 cron，ctx 同时作为触发运行的上下文；阻塞到 ctx 结束。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	logger.Infof("[scheduler] 已启动 cron=%q run_on_start=%v watch=%v", s.opts.Cron, s.opts.RunOnStart, s.opts.WatchEntities)
	if s.opts.RunOnStart {
		s.fire("startup")
	}
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	logger.Infof("[scheduler] 已停止")
	return nil
}

// Counts 返回已触发与因运行中而跳过的次数。
func (s *Scheduler) Counts() (triggered, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered, s.skipped
}

func (s *Scheduler) fire(source string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	id, err := s.trigger.StartAsync(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, fetch.ErrRunInProgress):
		s.skipped++
		logger.Infof("[scheduler] %s 触发时已有运行在进行，跳过", source)
	case err != nil:
		logger.Errorf("[scheduler] %s 触发失败: %v", source, err)
	default:
		s.triggered++
		logger.Infof("[scheduler] %s 触发运行 %s", source, id)
	}
}
