// Package ratelimit 实现上游的多窗口请求限制：重复请求抑制、单实体突发、全局滚动窗口与最小间隔。
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitExhausted 表示 Wait 在允许的等待次数内仍未获准。
var ErrWaitExhausted = errors.New("ratelimit: wait exhausted")

const minSleep = 100 * time.Millisecond

type Config struct {
	DuplicateWindow time.Duration
	EntityWindow    time.Duration
	EntityMax       int
	GlobalWindow    time.Duration
	GlobalMax       int
	MinInterval     time.Duration
	GlobalPause     time.Duration
	PurgeAfter      time.Duration
	MaxWaits        int
}

func DefaultConfig() Config {
	return Config{
		DuplicateWindow: 15 * time.Second,
		EntityWindow:    2 * time.Second,
		EntityMax:       5,
		GlobalWindow:    10 * time.Minute,
		GlobalMax:       50,
		MinInterval:     3 * time.Second,
		GlobalPause:     60 * time.Second,
		PurgeAfter:      15 * time.Minute,
		MaxWaits:        20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.EntityWindow <= 0 {
		c.EntityWindow = d.EntityWindow
	}
	if c.EntityMax <= 0 {
		c.EntityMax = d.EntityMax
	}
	if c.GlobalWindow <= 0 {
		c.GlobalWindow = d.GlobalWindow
	}
	if c.GlobalMax <= 0 {
		c.GlobalMax = d.GlobalMax
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.GlobalPause <= 0 {
		c.GlobalPause = d.GlobalPause
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = d.PurgeAfter
	}
	if c.MaxWaits <= 0 {
		c.MaxWaits = d.MaxWaits
	}
	return c
}

// Clock 便于测试注入时间。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SleepFunc 可被 ctx 取消的等待。
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type record struct {
	entity    string
	signature string
	at        time.Time
}

// Stats 是限流器的只读快照。
type Stats struct {
	Recorded       int64     `json:"recorded"`
	Denied         int64     `json:"denied"`
	Waits          int64     `json:"waits"`
	InGlobalWindow int       `json:"in_global_window"`
	LastRequest    time.Time `json:"last_request"`
}

// Limiter 持有滚动窗口状态，由一次调度独占；不是进程级全局量。
type Limiter struct {
	cfg   Config
	clock Clock
	sleep SleepFunc

	mu       sync.Mutex
	records  []record
	last     time.Time
	recorded int64
	denied   int64
	waits    int64
}

type Option func(*Limiter)

func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithSleep(fn SleepFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:   cfg.withDefaults(),
		clock: systemClock{},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Config() Config { return l.cfg }

// verdict 汇总四条规则在当前时刻的判定结果。
type verdict struct {
	duplicate    time.Duration // 重复窗口剩余时间，0 表示未命中
	entityFull   bool
	globalFull   bool
	intervalLeft time.Duration
}

func (v verdict) admit() bool {
	return v.duplicate <= 0 && !v.entityFull && !v.globalFull && v.intervalLeft <= 0
}

func (l *Limiter) evaluate(entity, signature string, now time.Time) verdict {
	var v verdict
	entityCount, globalCount := 0, 0
	for _, r := range l.records {
		age := now.Sub(r.at)
		if age < l.cfg.GlobalWindow {
			globalCount++
		}
		if r.entity != entity {
			continue
		}
		if age < l.cfg.EntityWindow {
			entityCount++
		}
		if r.signature == signature && age < l.cfg.DuplicateWindow {
			if left := l.cfg.DuplicateWindow - age; left > v.duplicate {
				v.duplicate = left
			}
		}
	}
	v.entityFull = entityCount >= l.cfg.EntityMax
	v.globalFull = globalCount >= l.cfg.GlobalMax
	if !l.last.IsZero() {
		if since := now.Sub(l.last); since < l.cfg.MinInterval {
			v.intervalLeft = l.cfg.MinInterval - since
		}
	}
	return v
}

// CanAdmit 四条规则全部通过才放行。
func (l *Limiter) CanAdmit(entity, signature string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(entity, signature, l.clock.Now()).admit()
}

// WaitHint 返回建议等待时长：最小间隔剩余、实体窗口被占满时的实体窗口、全局窗口被占满时的全局暂停，取最大值。
func (l *Limiter) WaitHint(entity, signature string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hint(l.evaluate(entity, signature, l.clock.Now()))
}

func (l *Limiter) hint(v verdict) time.Duration {
	wait := v.intervalLeft
	if wait < 0 {
		wait = 0
	}
	if v.entityFull && l.cfg.EntityWindow > wait {
		wait = l.cfg.EntityWindow
	}
	if v.globalFull && l.cfg.GlobalPause > wait {
		wait = l.cfg.GlobalPause
	}
	return wait
}

// Record 记录一次已发出的请求，并清理超过 PurgeAfter 的旧记录。
func (l *Limiter) Record(entity, signature string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.records = append(l.records, record{entity: entity, signature: signature, at: now})
	l.last = now
	l.recorded++
	l.purge(now)
}

func (l *Limiter) purge(now time.Time) {
	keep := l.records[:0]
	for _, r := range l.records {
		if now.Sub(r.at) <= l.cfg.PurgeAfter {
			keep = append(keep, r)
		}
	}
	for i := len(keep); i < len(l.records); i++ {
		l.records[i] = record{}
	}
	l.records = keep
}

// Wait 阻塞直到放行，最多睡 MaxWaits 次。被拒的重复请求会一直等到重复窗口过去，不会空转。
func (l *Limiter) Wait(ctx context.Context, entity, signature string) error {
	for i := 0; i <= l.cfg.MaxWaits; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		v := l.evaluate(entity, signature, l.clock.Now())
		if v.admit() {
			l.mu.Unlock()
			return nil
		}
		l.denied++
		if i == l.cfg.MaxWaits {
			l.mu.Unlock()
			break
		}
		l.waits++
		d := l.hint(v)
		if v.duplicate > d {
			d = v.duplicate
		}
		l.mu.Unlock()
		if d < minSleep {
			d = minSleep
		}
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
	return ErrWaitExhausted
}

func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	inWindow := 0
	for _, r := range l.records {
		if now.Sub(r.at) < l.cfg.GlobalWindow {
			inWindow++
		}
	}
	return Stats{
		Recorded:       l.recorded,
		Denied:         l.denied,
		Waits:          l.waits,
		InGlobalWindow: inWindow,
		LastRequest:    l.last,
	}
}
