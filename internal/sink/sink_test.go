package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"histfetch/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(id, label string) market.Entity {
	return market.Entity{
		ID:         id,
		Label:      label,
		Symbol:     id,
		ValidFrom:  time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2023, 9, 15, 0, 0, 0, 0, time.UTC),
	}
}

func bar(h, m int) market.DataRow {
	return market.DataRow{
		Time:          time.Date(2023, 9, 6, h, m, 0, 0, time.UTC),
		Open:          decimal.RequireFromString("4510.25"),
		High:          decimal.RequireFromString("4511"),
		Low:           decimal.RequireFromString("4509.5"),
		Close:         decimal.RequireFromString("4510.75"),
		Volume:        decimal.RequireFromString("1234"),
		Count:         87,
		WeightedPrice: decimal.RequireFromString("4510.4"),
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestCSVAppendDedupAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, time.UTC)
	e := entity("MES_0915", "MESU3")
	path := w.PathFor(e)
	assert.Equal(t, filepath.Join(dir, "MESU3.csv"), path)

	res, err := w.Append(context.Background(), e, []market.DataRow{bar(6, 0), bar(6, 1)}, path)
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Written: 2}, res)

	res, err = w.Append(context.Background(), e, []market.DataRow{bar(6, 0), bar(6, 2)}, path)
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Written: 1, DuplicatesSkipped: 1}, res)

	recs := readCSV(t, path)
	require.Len(t, recs, 4)
	assert.Equal(t, Header, recs[0])
	assert.Equal(t, "2023-09-06 06:00:00", recs[1][1])
	assert.Equal(t, "2023-09-06 06:01:00", recs[2][1])
	assert.Equal(t, "2023-09-06 06:02:00", recs[3][1])
	assert.Equal(t, []string{"MESU3", "2023-09-06 06:00:00", "4510.25", "4511", "4509.5", "4510.75", "1234", "87", "4510.4"}, recs[1])
}

func TestCSVAppendIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, time.UTC)
	e := entity("MES_0915", "MESU3")
	rows := []market.DataRow{bar(7, 3), bar(7, 1), bar(7, 2), bar(7, 1)}

	first, err := w.Append(context.Background(), e, rows, "")
	require.NoError(t, err)
	assert.Equal(t, 3, first.Written)
	assert.Equal(t, 1, first.DuplicatesSkipped)
	before, err := os.ReadFile(w.PathFor(e))
	require.NoError(t, err)

	second, err := w.Append(context.Background(), e, rows, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Written)
	after, err := os.ReadFile(w.PathFor(e))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	recs := readCSV(t, w.PathFor(e))
	assert.Equal(t, "2023-09-06 07:01:00", recs[1][1], "rows are sorted ascending")
}

func TestCSVAppendUsesOffset(t *testing.T) {
	loc, err := market.ParseOffset("-05:00")
	require.NoError(t, err)
	w := NewCSVWriter(t.TempDir(), loc)
	e := entity("X", "X")
	_, err = w.Append(context.Background(), e, []market.DataRow{bar(6, 0)}, "")
	require.NoError(t, err)
	recs := readCSV(t, w.PathFor(e))
	assert.Equal(t, "2023-09-06 01:00:00", recs[1][1])
}

func TestCSVAppendEmptyBatchTouchesNothing(t *testing.T) {
	w := NewCSVWriter(t.TempDir(), time.UTC)
	e := entity("X", "X")
	res, err := w.Append(context.Background(), e, nil, "")
	require.NoError(t, err)
	assert.Zero(t, res.Written)
	_, err = os.Stat(w.PathFor(e))
	assert.True(t, os.IsNotExist(err))
}

func TestCSVRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreign.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))
	w := NewCSVWriter(dir, time.UTC)
	_, err := w.Append(context.Background(), entity("X", "X"), []market.DataRow{bar(6, 0)}, path)
	assert.ErrorContains(t, err, "no timestamp column")
}

func TestFileStemSanitizes(t *testing.T) {
	assert.Equal(t, "MES_Sep_23", fileStem(market.Entity{ID: "x", Label: "MES Sep/23"}))
	assert.Equal(t, "x", fileStem(market.Entity{ID: "x"}))
}

func TestSQLiteAppendDedup(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSQLiteWriter(dir, time.UTC)
	require.NoError(t, err)
	defer w.Close()
	e := entity("MES_0915", "MESU3")
	ctx := context.Background()

	res, err := w.Append(ctx, e, []market.DataRow{bar(6, 0), bar(6, 1)}, "")
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Written: 2}, res)

	res, err = w.Append(ctx, e, []market.DataRow{bar(6, 0), bar(6, 2), bar(6, 2)}, "")
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Written: 1, DuplicatesSkipped: 2}, res)

	m, err := w.Manifest(ctx, e, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Rows)
	assert.Equal(t, "2023-09-06 06:00:00", m.MinTime)
	assert.Equal(t, "2023-09-06 06:02:00", m.MaxTime)
	assert.Equal(t, "MESU3", m.Label)
	assert.Equal(t, w.PathFor(e), m.Path)
}

func TestSQLiteManifestDoesNotCreateDB(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSQLiteWriter(dir, time.UTC)
	require.NoError(t, err)
	defer w.Close()
	e := entity("MES_1215", "MESZ3")

	var mr ManifestReader = w
	m, err := mr.Manifest(context.Background(), e, "")
	require.NoError(t, err)
	assert.Equal(t, Manifest{EntityID: "MES_1215", Label: "MESZ3", Path: w.PathFor(e)}, m)
	assert.NoFileExists(t, w.PathFor(e))
}

func TestPostgresStatements(t *testing.T) {
	assert.Contains(t, insertBarSQL("histfetch_bars"), "ON CONFLICT (entity_id, ts) DO NOTHING")
	assert.Contains(t, createBarsTableSQL("histfetch_bars"), "PRIMARY KEY (entity_id, ts)")
}

func TestPostgresAppend(t *testing.T) {
	dsn := os.Getenv("HISTFETCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HISTFETCH_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn, 2)
	require.NoError(t, err)
	w, err := NewPostgresWriter(ctx, pool, time.UTC)
	require.NoError(t, err)
	defer w.Close()
	e := entity("PG_"+strings.ReplaceAll(t.Name(), "/", "_")+time.Now().Format("150405.000"), "PG")

	res, err := w.Append(ctx, e, []market.DataRow{bar(6, 0), bar(6, 1)}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	res, err = w.Append(ctx, e, []market.DataRow{bar(6, 0), bar(6, 2)}, "")
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Written: 1, DuplicatesSkipped: 1}, res)
}

func TestOpenFactory(t *testing.T) {
	ctx := context.Background()
	w, err := Open(ctx, Options{Kind: "csv", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &CSVWriter{}, w)

	w, err = Open(ctx, Options{Kind: "sqlite", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteWriter{}, w)
	require.NoError(t, w.Close())

	_, err = Open(ctx, Options{Kind: "parquet"})
	assert.Error(t, err)
}

func TestCSVAppendRepairsTornTail(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, time.UTC)
	e := entity("MES_0915", "MESU3")
	path := w.PathFor(e)
	ctx := context.Background()

	_, err := w.Append(ctx, e, []market.DataRow{bar(6, 0)}, path)
	require.NoError(t, err)

	// 进程在写第二行时被杀，只留下半行且没有换行
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("MESU3,2023-09-06 06:01:00,4510")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := w.Append(ctx, e, []market.DataRow{bar(6, 1), bar(6, 2)}, path)
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Written: 2}, res)

	recs := readCSV(t, path)
	require.Len(t, recs, 4)
	assert.Equal(t, Header, recs[0])
	assert.Equal(t, "2023-09-06 06:00:00", recs[1][1])
	assert.Equal(t, "2023-09-06 06:01:00", recs[2][1])
	assert.Equal(t, "2023-09-06 06:02:00", recs[3][1])
	for _, r := range recs[1:] {
		assert.Len(t, r, len(Header))
	}
}

func TestCSVTornHeaderIsRewritten(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, time.UTC)
	e := entity("MES_0915", "MESU3")
	path := w.PathFor(e)
	require.NoError(t, os.WriteFile(path, []byte("symbol,times"), 0o644))

	res, err := w.Append(context.Background(), e, []market.DataRow{bar(6, 0)}, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	recs := readCSV(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, Header, recs[0])
}

func TestReadTimestampsIgnoresShortRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	content := strings.Join(Header, ",") + "\nMESU3,2023-09-06 06:01:00,1,1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, hasContent, err := readTimestamps(path)
	require.NoError(t, err)
	assert.True(t, hasContent)
	assert.Empty(t, got)
}
