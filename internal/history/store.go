// Package history 用 gorm + SQLite 记录每次抓取运行的结果。
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"histfetch/internal/fetch"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type runModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	RunID          string         `gorm:"column:run_id;uniqueIndex"`
	Status         string         `gorm:"column:status;index"`
	StartedAtUnix  int64          `gorm:"column:started_at;index"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
	Entities       int            `gorm:"column:entities"`
	Planned        int            `gorm:"column:planned"`
	Processed      int            `gorm:"column:processed"`
	Written        int            `gorm:"column:written"`
	Empty          int            `gorm:"column:empty"`
	Skipped        int            `gorm:"column:skipped"`
	Failed         int            `gorm:"column:failed"`
	Unfetchable    int            `gorm:"column:unfetchable"`
	RowsWritten    int64          `gorm:"column:rows_written"`
	Duplicates     int64          `gorm:"column:duplicates"`
	CappedJSON     datatypes.JSON `gorm:"column:capped_json;type:TEXT"`
	ConfigJSON     datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	Message        string         `gorm:"column:message"`
}

func (runModel) TableName() string { return "fetch_runs" }

// Store 运行记录，实现 fetch.Ledger。
type Store struct {
	db     *gorm.DB
	config datatypes.JSON
}

// Open 打开（必要时创建）运行记录库。config 是本次进程的抓取配置快照，随每条记录保存。
func Open(path string, config any) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&runModel{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)

	var snapshot datatypes.JSON
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("history: encode config: %w", err)
		}
		snapshot = datatypes.JSON(raw)
	}
	return &Store{db: db, config: snapshot}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun 按 run_id 插入或覆盖。
func (s *Store) SaveRun(ctx context.Context, run fetch.Stats) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("history: run id 不能为空")
	}
	m, err := toModel(run)
	if err != nil {
		return err
	}
	m.ConfigJSON = s.config
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

// ListRuns 最近的运行，新的在前。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]fetch.Stats, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]fetch.Stats, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (fetch.Stats, bool, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fetch.Stats{}, false, nil
	}
	if err != nil {
		return fetch.Stats{}, false, err
	}
	return fromModel(m), true, nil
}

// Config 返回记录时的配置快照。
func (s *Store) Config(ctx context.Context, id string) (json.RawMessage, error) {
	var m runModel
	if err := s.db.WithContext(ctx).Select("config_json").Where("run_id = ?", id).Take(&m).Error; err != nil {
		return nil, err
	}
	return json.RawMessage(m.ConfigJSON), nil
}

func toModel(run fetch.Stats) (runModel, error) {
	var capped datatypes.JSON
	if len(run.Capped) > 0 {
		raw, err := json.Marshal(run.Capped)
		if err != nil {
			return runModel{}, err
		}
		capped = datatypes.JSON(raw)
	}
	return runModel{
		RunID:          run.RunID,
		Status:         run.Status,
		StartedAtUnix:  unixMilli(run.StartedAt),
		FinishedAtUnix: unixMilli(run.FinishedAt),
		Entities:       run.Entities,
		Planned:        run.Planned,
		Processed:      run.Processed,
		Written:        run.Written,
		Empty:          run.Empty,
		Skipped:        run.Skipped,
		Failed:         run.Failed,
		Unfetchable:    run.Unfetchable,
		RowsWritten:    run.RowsWritten,
		Duplicates:     run.Duplicates,
		CappedJSON:     capped,
		Message:        run.Message,
	}, nil
}

func fromModel(m runModel) fetch.Stats {
	st := fetch.Stats{
		RunID:       m.RunID,
		Status:      m.Status,
		StartedAt:   fromUnixMilli(m.StartedAtUnix),
		FinishedAt:  fromUnixMilli(m.FinishedAtUnix),
		Entities:    m.Entities,
		Planned:     m.Planned,
		Processed:   m.Processed,
		Written:     m.Written,
		Empty:       m.Empty,
		Skipped:     m.Skipped,
		Failed:      m.Failed,
		Unfetchable: m.Unfetchable,
		RowsWritten: m.RowsWritten,
		Duplicates:  m.Duplicates,
		Message:     m.Message,
	}
	if len(m.CappedJSON) > 0 {
		_ = json.Unmarshal(m.CappedJSON, &st.Capped)
	}
	return st
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ fetch.Ledger = (*Store)(nil)
