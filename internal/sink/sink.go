// Package sink 负责把抓到的行增量写入每个实体的输出（CSV / SQLite / Postgres），只追加、按时间戳去重。
package sink

import (
	"context"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"histfetch/internal/market"
)

// Header 是 CSV 输出的列，合并文件沿用同一列序。
var Header = []string{"label", "timestamp", "open", "high", "low", "close", "volume", "count", "weightedPrice"}

type AppendResult struct {
	Written           int `json:"written"`
	DuplicatesSkipped int `json:"duplicatesSkipped"`
}

// Writer 是增量写入器。同一 sinkPath 上不会并发调用。
type Writer interface {
	// Append 跳过 sink 中已有或批内重复的时间戳，按时间升序追加其余行。
	Append(ctx context.Context, e market.Entity, rows []market.DataRow, sinkPath string) (AppendResult, error)
	// PathFor 返回实体默认的 sink 位置，记录在进度里。
	PathFor(e market.Entity) string
	Close() error
}

// ManifestReader 由能汇报单实体统计的 sink 实现（目前只有 SQLite）。
type ManifestReader interface {
	Manifest(ctx context.Context, e market.Entity, sinkPath string) (Manifest, error)
}

// Kind 对应配置 storage.sink。
const (
	KindCSV      = "csv"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// record 是规范化后的一行，时间戳已格式化为 CivilLayout。
type record struct {
	label string
	ts    string
	at    time.Time
	row   market.DataRow
}

func (r record) fields() []string {
	return []string{
		r.label,
		r.ts,
		r.row.Open.String(),
		r.row.High.String(),
		r.row.Low.String(),
		r.row.Close.String(),
		r.row.Volume.String(),
		formatInt(r.row.Count),
		r.row.WeightedPrice.String(),
	}
}

// prepare 规范化时间戳，去掉 existing 中已有以及批内重复的行，按时间升序返回。
func prepare(e market.Entity, rows []market.DataRow, loc *time.Location, existing func(ts string) bool) ([]record, int) {
	label := e.DisplayLabel()
	out := make([]record, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	skipped := 0
	sorted := append(market.Rows(nil), rows...)
	sorted.SortAscending()
	for _, row := range sorted {
		ts := market.FormatCivil(row.Time, loc)
		if _, dup := seen[ts]; dup {
			skipped++
			continue
		}
		seen[ts] = struct{}{}
		if existing != nil && existing(ts) {
			skipped++
			continue
		}
		out = append(out, record{label: label, ts: ts, at: row.Time, row: row})
	}
	return out, skipped
}

// fileStem 把标签转换为安全的文件名。
func fileStem(e market.Entity) string {
	label := strings.TrimSpace(e.DisplayLabel())
	var sb strings.Builder
	for _, r := range label {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "entity"
	}
	return sb.String()
}

func joinData(dir, name string) string {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}
