package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"
)

// CSVWriter 每个实体一个 CSV 文件，只追加不改写。
type CSVWriter struct {
	dir string
	loc *time.Location
}

func NewCSVWriter(dir string, loc *time.Location) *CSVWriter {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVWriter{dir: dir, loc: loc}
}

func (w *CSVWriter) PathFor(e market.Entity) string {
	return joinData(w.dir, fileStem(e)+".csv")
}

func (w *CSVWriter) Close() error { return nil }

func (w *CSVWriter) Append(ctx context.Context, e market.Entity, rows []market.DataRow, sinkPath string) (AppendResult, error) {
	if len(rows) == 0 {
		return AppendResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if sinkPath == "" {
		sinkPath = w.PathFor(e)
	}
	if err := repairTail(sinkPath); err != nil {
		return AppendResult{}, err
	}
	existing, hasContent, err := readTimestamps(sinkPath)
	if err != nil {
		return AppendResult{}, err
	}
	batch, skipped := prepare(e, rows, w.loc, func(ts string) bool {
		_, ok := existing[ts]
		return ok
	})
	res := AppendResult{DuplicatesSkipped: skipped}
	if len(batch) == 0 {
		return res, nil
	}
	if err := os.MkdirAll(filepath.Dir(sinkPath), 0o755); err != nil {
		return res, fmt.Errorf("create sink dir: %w", err)
	}
	f, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return res, fmt.Errorf("open sink %s: %w", sinkPath, err)
	}
	cw := csv.NewWriter(f)
	if !hasContent {
		if err := cw.Write(Header); err != nil {
			_ = f.Close()
			return res, fmt.Errorf("write header: %w", err)
		}
	}
	for _, r := range batch {
		if err := cw.Write(r.fields()); err != nil {
			_ = f.Close()
			return res, fmt.Errorf("write row %s: %w", r.ts, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return res, fmt.Errorf("flush sink %s: %w", sinkPath, err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("close sink %s: %w", sinkPath, err)
	}
	res.Written = len(batch)
	logger.Debugf("[sink] %s +%d rows (skipped %d)", filepath.Base(sinkPath), res.Written, res.DuplicatesSkipped)
	return res, nil
}

// readTimestamps 读取已有 CSV 的 timestamp 列；文件不存在或为空时返回空集合。
func readTimestamps(path string) (map[string]struct{}, bool, error) {
	out := make(map[string]struct{})
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open sink %s: %w", path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return out, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read sink header %s: %w", path, err)
	}
	col := columnIndex(header, "timestamp")
	if col < 0 {
		return nil, false, fmt.Errorf("sink %s has no timestamp column", path)
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("read sink %s: %w", path, err)
		}
		if len(rec) != len(Header) {
			continue
		}
		out[rec[col]] = struct{}{}
	}
	return out, true, nil
}

// repairTail 截掉崩溃留下的半行：文件不以换行结尾时回退到最后一个换行符之后。
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open sink %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat sink %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	keep, err := lastNewlineEnd(f, size)
	if err != nil {
		return fmt.Errorf("scan sink %s: %w", path, err)
	}
	if keep == size {
		return nil
	}
	logger.Warnf("[sink] %s 末尾有不完整的行（%d 字节），已截断", filepath.Base(path), size-keep)
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncate sink %s: %w", path, err)
	}
	return nil
}

// lastNewlineEnd 返回最后一个 '\n' 之后的偏移；没有换行时返回 0。
func lastNewlineEnd(f *os.File, size int64) (int64, error) {
	const block = 4096
	buf := make([]byte, block)
	end := size
	for end > 0 {
		start := end - block
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] == '\n' {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }
