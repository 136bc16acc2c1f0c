package sink

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Options struct {
	Kind        string
	DataDir     string
	PostgresDSN string
	Location    *time.Location
}

// Open 按 storage.sink 构建写入器。
func Open(ctx context.Context, opts Options) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindCSV:
		return NewCSVWriter(opts.DataDir, opts.Location), nil
	case KindSQLite:
		return NewSQLiteWriter(opts.DataDir, opts.Location)
	case KindPostgres:
		pool, err := OpenPool(ctx, opts.PostgresDSN, 2)
		if err != nil {
			return nil, err
		}
		w, err := NewPostgresWriter(ctx, pool, opts.Location)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("未知 sink 类型: %s", opts.Kind)
	}
}
