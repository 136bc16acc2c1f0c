package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"histfetch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDedupAndOrder(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, time.UTC)
	ctx := context.Background()
	a := entity("A", "MESU3")
	b := entity("B", "MESZ3")

	_, err := w.Append(ctx, a, []market.DataRow{bar(6, 2), bar(6, 0), bar(6, 1)}, "")
	require.NoError(t, err)
	_, err = w.Append(ctx, b, []market.DataRow{bar(6, 1), bar(6, 3)}, "")
	require.NoError(t, err)

	now := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	paths := []string{w.PathFor(a), w.PathFor(b), w.PathFor(a), filepath.Join(dir, "missing.csv")}
	rep, err := Merge(ctx, paths, MergeOptions{
		OutDir: filepath.Join(dir, "out"),
		Prefix: "MES_1min",
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "out", "MES_1min_20240203_040506.csv"), rep.Path)
	assert.Equal(t, 3, rep.Files)
	assert.Equal(t, 8, rep.RowsRead)
	assert.Equal(t, 3, rep.Duplicates)
	assert.Equal(t, 5, rep.RowsOut)

	recs := readCSV(t, rep.Path)
	require.Len(t, recs, 6)
	assert.Equal(t, Header, recs[0])
	got := make([][2]string, 0, 5)
	for _, r := range recs[1:] {
		got = append(got, [2]string{r[0], r[1]})
	}
	assert.Equal(t, [][2]string{
		{"MESU3", "2023-09-06 06:00:00"},
		{"MESU3", "2023-09-06 06:01:00"},
		{"MESZ3", "2023-09-06 06:01:00"},
		{"MESU3", "2023-09-06 06:02:00"},
		{"MESZ3", "2023-09-06 06:03:00"},
	}, got)

	assert.Equal(t, 5, rep.Quality.TotalRows)
	assert.Equal(t, 4, rep.Quality.UniqueTimes)
	assert.Equal(t, int64(3), rep.Quality.Expected)
	assert.Equal(t, 0.0, rep.Quality.MissingRate)
}

type weekdayHours struct{}

func (weekdayHours) IsOpen(t time.Time) bool {
	return t.Hour() >= 9 && t.Hour() < 10
}

func TestQuality(t *testing.T) {
	assert.Equal(t, QualityReport{}, Quality(nil, time.Minute, nil))

	base := time.Date(2023, 9, 6, 9, 0, 0, 0, time.UTC)
	var times []time.Time
	for i := 0; i < 60; i += 2 {
		times = append(times, base.Add(time.Duration(i)*time.Minute))
	}
	q := Quality(times, time.Minute, nil)
	assert.Equal(t, 30, q.TotalRows)
	assert.Equal(t, int64(58), q.Expected)
	assert.InDelta(t, 100*(1-30.0/58.0), q.MissingRate, 1e-9)

	// the calendar counts every open minute in [first, last]
	times = append(times, base.Add(3*time.Hour))
	q = Quality(times, time.Minute, weekdayHours{})
	assert.Equal(t, int64(60), q.Expected)
	assert.InDelta(t, 100*(1-31.0/60.0), q.MissingRate, 1e-9)
	assert.Contains(t, q.String(), "缺失率")

	single := Quality([]time.Time{base}, time.Minute, nil)
	assert.Equal(t, int64(0), single.Expected)
	assert.Contains(t, single.String(), "无法计算")
}

func TestTradingCalendarWeekend(t *testing.T) {
	cal := NewTradingCalendar("xnys")
	saturday := time.Date(2023, 9, 9, 15, 0, 0, 0, time.UTC)
	assert.False(t, cal.IsOpen(saturday))
}
