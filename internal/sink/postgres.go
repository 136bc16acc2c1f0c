package sink

import (
	"context"
	"fmt"
	"time"

	"histfetch/internal/market"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPGBatch = 500

// PostgresWriter 所有实体写入同一张表，(entity_id, ts) 唯一。
type PostgresWriter struct {
	pool  *pgxpool.Pool
	table string
	loc   *time.Location
	batch int
}

// OpenPool 解析 DSN 并建立连接池。
func OpenPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresWriter(ctx context.Context, pool *pgxpool.Pool, loc *time.Location) (*PostgresWriter, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool 不能为空")
	}
	if loc == nil {
		loc = time.UTC
	}
	w := &PostgresWriter{pool: pool, table: "histfetch_bars", loc: loc, batch: defaultPGBatch}
	if _, err := pool.Exec(ctx, createBarsTableSQL(w.table)); err != nil {
		return nil, fmt.Errorf("create %s: %w", w.table, err)
	}
	return w, nil
}

func createBarsTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		entity_id      TEXT NOT NULL,
		label          TEXT NOT NULL,
		ts             TIMESTAMPTZ NOT NULL,
		civil_ts       TEXT NOT NULL,
		open           NUMERIC NOT NULL,
		high           NUMERIC NOT NULL,
		low            NUMERIC NOT NULL,
		close          NUMERIC NOT NULL,
		volume         NUMERIC NOT NULL,
		count          BIGINT NOT NULL DEFAULT 0,
		weighted_price NUMERIC NOT NULL,
		inserted_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_id, ts)
	)`
}

func insertBarSQL(table string) string {
	return `INSERT INTO ` + table + `
		(entity_id, label, ts, civil_ts, open, high, low, close, volume, count, weighted_price)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11::numeric)
		ON CONFLICT (entity_id, ts) DO NOTHING`
}

// PathFor 返回逻辑位置 "<table>/<entity>"，仅用于进度记录。
func (w *PostgresWriter) PathFor(e market.Entity) string {
	return w.table + "/" + e.ID
}

func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func (w *PostgresWriter) Append(ctx context.Context, e market.Entity, rows []market.DataRow, _ string) (AppendResult, error) {
	batch, skipped := prepare(e, rows, w.loc, nil)
	res := AppendResult{DuplicatesSkipped: skipped}
	query := insertBarSQL(w.table)
	for i := 0; i < len(batch); i += w.batch {
		j := i + w.batch
		if j > len(batch) {
			j = len(batch)
		}
		b := &pgx.Batch{}
		for _, r := range batch[i:j] {
			b.Queue(query, e.ID, r.label, r.at.UTC(), r.ts,
				r.row.Open.String(), r.row.High.String(), r.row.Low.String(), r.row.Close.String(),
				r.row.Volume.String(), r.row.Count, r.row.WeightedPrice.String())
		}
		br := w.pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return res, fmt.Errorf("insert %s: %w", batch[k].ts, err)
			}
			if tag.RowsAffected() > 0 {
				res.Written++
			} else {
				res.DuplicatesSkipped++
			}
		}
		if err := br.Close(); err != nil {
			return res, err
		}
	}
	return res, nil
}
