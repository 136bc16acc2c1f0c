package loader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"

	"github.com/fsnotify/fsnotify"
)

// EntitySnapshot 对外暴露的只读实体清单快照。
type EntitySnapshot struct {
	Version  int64
	LoadedAt time.Time
	Entities []market.Entity
}

// ChangeListener 在清单变更时被调用。
type ChangeListener func(EntitySnapshot)

// Options 控制实体清单的解析方式。
type Options struct {
	Location     *time.Location
	LookbackDays int
	Debounce     time.Duration
}

// EntityLoader 负责加载实体清单文件，并在 Watch 后监听热更新。
type EntityLoader struct {
	path string
	opts Options

	mu        sync.RWMutex
	snapshot  EntitySnapshot
	listeners []ChangeListener

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEntityLoader 读取清单文件；解析失败直接返回错误。
func NewEntityLoader(path string, opts Options) (*EntityLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("entity loader requires path")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	l := &EntityLoader{path: filepath.Clean(path), opts: opts}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *EntityLoader) Path() string { return l.path }

// Snapshot 返回当前清单快照（拷贝）。
func (l *EntityLoader) Snapshot() EntitySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

func (l *EntityLoader) Entities() []market.Entity {
	return l.Snapshot().Entities
}

// Subscribe 注册监听器。与 Watch 配合使用，只在文件变更并成功解析后回调。
func (l *EntityLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Watch 监听清单所在目录（编辑器常用 rename 方式保存），变更后去抖再重载。
func (l *EntityLoader) Watch() error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create entity watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		l.mu.Unlock()
		return fmt.Errorf("watch %s: %w", l.path, err)
	}
	l.watcher = w
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.loop(w)
	return nil
}

func (l *EntityLoader) loop(w *fsnotify.Watcher) {
	defer l.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-l.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case evt, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != l.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.opts.Debounce)
			} else {
				timer.Reset(l.opts.Debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warnf("[entities] watcher error: %v", err)
		case <-fire:
			fire = nil
			if err := l.reload(); err != nil {
				logger.Errorf("[entities] reload failed (%s): %v", l.path, err)
				continue
			}
			snap := l.Snapshot()
			logger.Infof("[entities] reloaded %d entities (version=%d)", len(snap.Entities), snap.Version)
			l.notify(snap)
		}
	}
}

// Close 停止监听；未 Watch 时为空操作。
func (l *EntityLoader) Close() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	done := l.done
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	close(done)
	err := w.Close()
	l.wg.Wait()
	return err
}

func (l *EntityLoader) notify(snap EntitySnapshot) {
	l.mu.RLock()
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[entities] listener panic: %v", r)
				}
			}()
			cb(cloneSnapshot(snap))
		}(fn)
	}
}

func (l *EntityLoader) reload() error {
	file, err := market.LoadEntityFile(l.path)
	if err != nil {
		return err
	}
	entities, err := file.Resolve(l.opts.Location, l.opts.LookbackDays)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.snapshot = EntitySnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Entities: entities,
	}
	l.mu.Unlock()
	return nil
}

func cloneSnapshot(src EntitySnapshot) EntitySnapshot {
	return EntitySnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Entities: append([]market.Entity(nil), src.Entities...),
	}
}
