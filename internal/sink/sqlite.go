package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"histfetch/internal/market"

	_ "modernc.org/sqlite"
)

// Manifest 记录单个实体库的统计信息。
type Manifest struct {
	EntityID   string `json:"entity_id"`
	Label      string `json:"label"`
	MinTime    string `json:"min_time"`
	MaxTime    string `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// SQLiteWriter 每个实体一个 SQLite 库，ts 为主键，冲突时忽略。
type SQLiteWriter struct {
	dir string
	loc *time.Location

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewSQLiteWriter(dir string, loc *time.Location) (*SQLiteWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("data dir 不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SQLiteWriter{dir: dir, loc: loc, dbs: make(map[string]*sql.DB)}, nil
}

func (w *SQLiteWriter) PathFor(e market.Entity) string {
	return joinData(w.dir, fileStem(e)+".db")
}

func (w *SQLiteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for k, db := range w.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.dbs, k)
	}
	return firstErr
}

func (w *SQLiteWriter) db(e market.Entity, path string) (*sql.DB, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if db, ok := w.dbs[path]; ok {
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureBarSchema(db, e); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite sink %s: %w", path, err)
	}
	w.dbs[path] = db
	return db, nil
}

func (w *SQLiteWriter) Append(ctx context.Context, e market.Entity, rows []market.DataRow, sinkPath string) (AppendResult, error) {
	if len(rows) == 0 {
		return AppendResult{}, nil
	}
	if sinkPath == "" {
		sinkPath = w.PathFor(e)
	}
	db, err := w.db(e, sinkPath)
	if err != nil {
		return AppendResult{}, err
	}
	batch, skipped := prepare(e, rows, w.loc, nil)
	res := AppendResult{DuplicatesSkipped: skipped}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (ts, label, open, high, low, close, volume, count, weighted_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return res, err
	}
	defer stmt.Close()
	for _, r := range batch {
		out, err := stmt.ExecContext(ctx, r.ts, r.label,
			r.row.Open.String(), r.row.High.String(), r.row.Low.String(), r.row.Close.String(),
			r.row.Volume.String(), r.row.Count, r.row.WeightedPrice.String())
		if err != nil {
			_ = tx.Rollback()
			return AppendResult{DuplicatesSkipped: skipped}, fmt.Errorf("insert %s: %w", r.ts, err)
		}
		if n, _ := out.RowsAffected(); n > 0 {
			res.Written++
		} else {
			res.DuplicatesSkipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{DuplicatesSkipped: skipped}, err
	}
	if err := refreshManifest(ctx, db); err != nil {
		return res, err
	}
	return res, nil
}

// Manifest 读取实体库的统计信息，实现 ManifestReader。
func (w *SQLiteWriter) Manifest(ctx context.Context, e market.Entity, sinkPath string) (Manifest, error) {
	if sinkPath == "" {
		sinkPath = w.PathFor(e)
	}
	// 库还没建就不要为了查询去创建它
	if _, err := os.Stat(sinkPath); errors.Is(err, os.ErrNotExist) {
		return Manifest{EntityID: e.ID, Label: e.DisplayLabel(), Path: sinkPath}, nil
	}
	db, err := w.db(e, sinkPath)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT entity_id, label, COALESCE(min_time,''), COALESCE(max_time,''), rows, COALESCE(last_sync_at,0) FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.EntityID, &m.Label, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = sinkPath
	return m, nil
}

func refreshManifest(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT MIN(ts) FROM bars),
		    max_time = (SELECT MAX(ts) FROM bars),
		    rows = (SELECT COUNT(1) FROM bars),
		    last_sync_at = ?
		WHERE id = 1`, time.Now().UnixMilli())
	return err
}

// 同一偏移下 CivilLayout 字符串的字典序与时间序一致，ts 直接用 TEXT 主键。
func ensureBarSchema(db *sql.DB, e market.Entity) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			ts             TEXT PRIMARY KEY,
			label          TEXT NOT NULL,
			open           TEXT NOT NULL,
			high           TEXT NOT NULL,
			low            TEXT NOT NULL,
			close          TEXT NOT NULL,
			volume         TEXT NOT NULL,
			count          INTEGER DEFAULT 0,
			weighted_price TEXT NOT NULL,
			inserted_at    INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			entity_id TEXT NOT NULL,
			label TEXT NOT NULL,
			min_time TEXT,
			max_time TEXT,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, entity_id, label) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET entity_id=excluded.entity_id, label=excluded.label;`,
		e.ID, e.DisplayLabel())
	return err
}
