package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/pkg/text"

	"github.com/tidwall/gjson"
)

// ErrCorrupt 进度文件无法解析或不符合 schema；需要运维执行 reset。
var ErrCorrupt = errors.New("progress file corrupt")

// ErrUnknownEntity 对未初始化的实体调用 Advance 等操作。
var ErrUnknownEntity = errors.New("progress: unknown entity")

type Option func(*Store)

// WithNow 注入时间源（测试用）。
func WithNow(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Store 以单个 JSON 文件保存全部实体进度，每次变更整体原子替换。
// 同一进度文件只允许一个进程使用，不做文件锁。
type Store struct {
	path string
	cfg  RunConfig
	now  func() time.Time

	mu    sync.RWMutex
	state fileState
}

func NewStore(path string, cfg RunConfig, opts ...Option) *Store {
	s := &Store{
		path: filepath.Clean(path),
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = s.freshState()
	return s
}

func (s *Store) Path() string { return s.path }

func (s *Store) freshState() fileState {
	now := s.now()
	return fileState{
		StartTime:   now,
		Config:      s.cfg,
		Entities:    make(map[string]Progress),
		LastUpdated: now,
	}
}

// Load 读取进度文件。文件不存在视为全新状态；内容损坏返回 ErrCorrupt；
// 文件中记录的配置与当前不一致时清空实体进度并告警。
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.state = s.freshState()
		s.mu.Unlock()
		logger.Infof("[progress] %s 不存在，从头开始", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read progress file %s: %w", s.path, err)
	}
	if err := validateDocument(raw); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	stored := RunConfig{
		HistoryWindowYears:   int(gjson.GetBytes(raw, "config.historyWindowYears").Int()),
		ChunkSpanDays:        int(gjson.GetBytes(raw, "config.chunkSpanDays").Int()),
		IncludeExtendedHours: gjson.GetBytes(raw, "config.includeExtendedHours").Bool(),
	}
	if stored != s.cfg {
		logger.Warnf("[progress] 配置已变化 (stored=%+v current=%+v)，重置全部实体进度", stored, s.cfg)
		s.mu.Lock()
		s.state = s.freshState()
		err := s.persistLocked()
		s.mu.Unlock()
		return err
	}
	var st fileState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if st.Entities == nil {
		st.Entities = make(map[string]Progress)
	}
	for id, p := range st.Entities {
		if p.EntityID == "" {
			p.EntityID = id
		}
		p.Completed = p.reached()
		st.Entities[id] = p
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	logger.Infof("[progress] 已加载 %d 个实体进度 (%s)", len(st.Entities), s.path)
	return nil
}

func validateDocument(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("invalid json")
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// BeginRun 记录本次运行的标识，写入文件头。
func (s *Store) BeginRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RunID = runID
	s.state.StartTime = s.now()
	return s.persistLocked()
}

// InitEntity 幂等：已存在则原样返回，否则以 min(validUntil, now) 作为初始游标创建。
func (s *Store) InitEntity(e market.Entity, targetStart time.Time, sinkPath string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.state.Entities[e.ID]; ok {
		return p, nil
	}
	now := s.now()
	pointer := e.ValidUntil
	if now.Before(pointer) {
		pointer = now
	}
	p := Progress{
		EntityID:           e.ID,
		Label:              e.DisplayLabel(),
		ValidFrom:          e.ValidFrom,
		ValidUntil:         e.ValidUntil,
		LastFetchedPointer: pointer,
		TargetStartPointer: targetStart,
		CSVPath:            sinkPath,
		LastUpdated:        now,
	}
	p.Completed = p.reached()
	s.state.Entities[e.ID] = p
	if err := s.persistLocked(); err != nil {
		return Progress{}, err
	}
	return p, nil
}

// Advance 游标只向过去移动；晚于当前游标的指针被忽略，但记录数照常累加。每次调用同步落盘。
func (s *Store) Advance(entityID string, newPointer time.Time, recordsAdded int64) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Entities[entityID]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	if newPointer.Before(p.LastFetchedPointer) {
		p.LastFetchedPointer = newPointer
	} else if newPointer.After(p.LastFetchedPointer) {
		logger.Debugf("[progress] %s 忽略前移指针 %s (当前 %s)", entityID,
			newPointer.UTC().Format(time.RFC3339), p.LastFetchedPointer.UTC().Format(time.RFC3339))
	}
	if recordsAdded > 0 {
		p.TotalRecords += recordsAdded
	}
	p.Completed = p.reached()
	p.LastError = ""
	p.LastUpdated = s.now()
	s.state.Entities[entityID] = p
	if err := s.persistLocked(); err != nil {
		return p, err
	}
	return p, nil
}

// Retarget 把目标起点向后移到 target（保留期滑动后旧目标已不可抓取）。
// 只接受更晚的目标；游标已越过新目标时实体直接标记完成。
func (s *Store) Retarget(entityID string, target time.Time) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Entities[entityID]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	if !target.After(p.TargetStartPointer) {
		return p, nil
	}
	logger.Infof("[progress] %s 目标起点 %s -> %s", entityID,
		p.TargetStartPointer.UTC().Format(time.RFC3339), target.UTC().Format(time.RFC3339))
	p.TargetStartPointer = target
	p.Completed = p.reached()
	p.LastUpdated = s.now()
	s.state.Entities[entityID] = p
	if err := s.persistLocked(); err != nil {
		return p, err
	}
	return p, nil
}

const maxErrorLen = 512

// MarkUnfetchable 数据源确认该实体不存在，之后不再规划直到 reset。
func (s *Store) MarkUnfetchable(entityID, reason string) error {
	return s.update(entityID, func(p *Progress) {
		p.Unfetchable = true
		p.LastError = text.Truncate(reason, maxErrorLen)
	})
}

// RecordError 记录最近一次失败原因，不移动游标。
func (s *Store) RecordError(entityID, reason string) error {
	return s.update(entityID, func(p *Progress) {
		p.LastError = text.Truncate(reason, maxErrorLen)
	})
}

func (s *Store) update(entityID string, fn func(*Progress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Entities[entityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	fn(&p)
	p.LastUpdated = s.now()
	s.state.Entities[entityID] = p
	return s.persistLocked()
}

func (s *Store) Get(entityID string) (Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Entities[entityID]
	return p, ok
}

func (s *Store) Snapshot() map[string]Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Progress, len(s.state.Entities))
	for k, v := range s.state.Entities {
		out[k] = v
	}
	return out
}

// Pending 未完成且可抓取的实体，按有效期结束时间排序。
func (s *Store) Pending() []Progress {
	s.mu.RLock()
	out := make([]Progress, 0, len(s.state.Entities))
	for _, p := range s.state.Entities {
		if p.Completed || p.Unfetchable {
			continue
		}
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValidUntil.Equal(out[j].ValidUntil) {
			return out[i].ValidUntil.Before(out[j].ValidUntil)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Statistics
	for _, p := range s.state.Entities {
		st.TotalEntities++
		st.TotalRecords += p.TotalRecords
		switch {
		case p.Completed:
			st.Completed++
		case p.Unfetchable:
			st.Unfetchable++
		default:
			st.Pending++
		}
	}
	return st
}

// Reset 删除进度文件并清空内存状态。
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove progress file: %w", err)
	}
	s.state = s.freshState()
	logger.Infof("[progress] 已重置 %s", s.path)
	return nil
}

func (s *Store) persistLocked() error {
	s.state.LastUpdated = s.now()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return writeAtomic(s.path, data)
}

// writeAtomic 先写同目录临时文件并 fsync，再 rename 覆盖目标文件。
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tmp, err := os.CreateTemp(dir, "."+base+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp progress file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp progress file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace progress file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
