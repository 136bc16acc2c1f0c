package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"

	"golang.org/x/sync/errgroup"
)

// MergeReport 合并结果与数据质量。
type MergeReport struct {
	Path       string        `json:"path"`
	Files      int           `json:"files"`
	RowsRead   int           `json:"rowsRead"`
	RowsOut    int           `json:"rowsOut"`
	Duplicates int           `json:"duplicates"`
	Quality    QualityReport `json:"quality"`
}

// MergeOptions 控制合并输出。
type MergeOptions struct {
	OutDir   string
	Prefix   string
	Location *time.Location
	Calendar SessionCalendar
	Now      func() time.Time
}

type mergedRow struct {
	at     time.Time
	fields []string
}

// Merge 并行读取各实体 CSV，按 (label, timestamp) 去重，按时间再按标签排序后写出一个合并文件。
// 不存在的文件会被跳过。
func Merge(ctx context.Context, paths []string, opts MergeOptions) (MergeReport, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prefix == "" {
		opts.Prefix = "merged"
	}
	parts := make([][]mergedRow, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			rows, err := readSinkCSV(gctx, p, opts.Location)
			if err != nil {
				return err
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MergeReport{}, err
	}

	var report MergeReport
	seen := make(map[[2]string]struct{})
	var all []mergedRow
	for _, rows := range parts {
		if rows == nil {
			continue
		}
		report.Files++
		for _, r := range rows {
			report.RowsRead++
			key := [2]string{r.fields[0], r.fields[1]}
			if _, dup := seen[key]; dup {
				report.Duplicates++
				continue
			}
			seen[key] = struct{}{}
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].fields[0] < all[j].fields[0]
	})

	name := fmt.Sprintf("%s_%s.csv", opts.Prefix, opts.Now().Format("20060102_150405"))
	out := joinData(opts.OutDir, name)
	if err := writeMerged(out, all); err != nil {
		return report, err
	}
	report.Path = out
	report.RowsOut = len(all)

	times := make([]time.Time, 0, len(all))
	for _, r := range all {
		times = append(times, r.at)
	}
	report.Quality = Quality(times, time.Minute, opts.Calendar)
	logger.Infof("[merge] %d files, %d rows -> %s (dup=%d)", report.Files, report.RowsOut, out, report.Duplicates)
	return report, nil
}

func readSinkCSV(ctx context.Context, path string, loc *time.Location) ([]mergedRow, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warnf("[merge] %s 不存在，跳过", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []mergedRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	if len(header) != len(Header) || columnIndex(header, "timestamp") != 1 || columnIndex(header, "label") != 0 {
		return nil, fmt.Errorf("%s: unexpected header %v", path, header)
	}
	var out []mergedRow
	for line := 2; ; line++ {
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		at, err := market.ParseCivil(rec[1], loc)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		out = append(out, mergedRow{at: at, fields: rec})
	}
	return out, nil
}

func writeMerged(path string, rows []mergedRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		_ = f.Close()
		return err
	}
	for _, r := range rows {
		if err := w.Write(r.fields); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
