package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "config.yaml", `
app:
  log_level: debug
fetch:
  chunk_span_days: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 3, cfg.Fetch.ChunkSpanDays)
	assert.Equal(t, 2, cfg.Fetch.HistoryWindowYears)
	assert.Equal(t, 200, cfg.Fetch.MaxChunksPerEntity)
	assert.True(t, cfg.Fetch.IncludeExtendedHours)
	assert.Equal(t, 15*time.Second, cfg.Limits.DuplicateWindow())
	assert.Equal(t, 5, cfg.Limits.EntityMaxRequests)
	assert.Equal(t, 10*time.Minute, cfg.Limits.GlobalWindow())
	assert.Equal(t, 3*time.Second, cfg.Limits.MinInterval())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.InitialBackoff())
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff())
	assert.Equal(t, "csv", cfg.Storage.SinkKind())
	assert.Equal(t, "binance", cfg.Provider.Name)
	assert.True(t, cfg.Schedule.WatchEntities)
	assert.Equal(t, time.UTC, cfg.Fetch.Location())
}

func TestLoadKeepsExplicitFalse(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "config.yaml", `
fetch:
  include_extended_hours: false
schedule:
  watch_entities: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Fetch.IncludeExtendedHours)
	assert.False(t, cfg.Schedule.WatchEntities)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "base.yaml", `
storage:
  sink: sqlite
  data_dir: /tmp/base
limits:
  global_max_requests: 40
`)
	path := write(t, dir, "config.yaml", `
include:
  - base.yaml
storage:
  data_dir: /tmp/override
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.SinkKind())
	assert.Equal(t, "/tmp/override", cfg.Storage.DataDir)
	assert.Equal(t, 40, cfg.Limits.GlobalMaxRequests)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.yaml", "include: [b.yaml]\n")
	write(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	assert.ErrorContains(t, err, "include cycle")
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"storage.sink":     "storage:\n  sink: parquet\n",
		"postgres_dsn":     "storage:\n  sink: postgres\n",
		"schedule.cron":    "schedule:\n  cron: \"not a cron\"\n",
		"fetch.utc_offset": "fetch:\n  utc_offset: \"8h\"\n",
		"fetch.bar_size":   "fetch:\n  bar_size: \"5 mins\"\n",
		"provider.name":    "provider:\n  name: kraken\n",
	}
	for want, body := range cases {
		t.Run(want, func(t *testing.T) {
			path := write(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.ErrorContains(t, err, want)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/histfetch.yaml")
	assert.Equal(t, "/etc/histfetch.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath("x.yaml"))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, validate(cfg))
}
