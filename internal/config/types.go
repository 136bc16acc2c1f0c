package config

import (
	"strings"
	"time"

	"histfetch/internal/market"
)

// Config 是 histfetch 的主配置载体。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Entities EntitiesConfig `mapstructure:"entities"`
	Provider ProviderConfig `mapstructure:"provider"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Quality  QualityConfig  `mapstructure:"quality"`
}

type AppConfig struct {
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogPath   string `mapstructure:"log_path"`
}

// FetchConfig 控制抓取窗口与分块。
type FetchConfig struct {
	HistoryWindowYears   int    `mapstructure:"history_window_years"`
	ChunkSpanDays        int    `mapstructure:"chunk_span_days"`
	MaxChunksPerEntity   int    `mapstructure:"max_chunks_per_entity"`
	IncludeExtendedHours bool   `mapstructure:"include_extended_hours"`
	BarSize              string `mapstructure:"bar_size"`
	UTCOffset            string `mapstructure:"utc_offset"`
}

// LimitsConfig 对应限流器的四条规则，单位均为秒。
type LimitsConfig struct {
	DuplicateWindowSec int `mapstructure:"duplicate_window_sec"`
	EntityWindowSec    int `mapstructure:"entity_window_sec"`
	EntityMaxRequests  int `mapstructure:"entity_max_requests"`
	GlobalWindowSec    int `mapstructure:"global_window_sec"`
	GlobalMaxRequests  int `mapstructure:"global_max_requests"`
	MinIntervalSec     int `mapstructure:"min_interval_sec"`
	PurgeAfterSec      int `mapstructure:"purge_after_sec"`
	MaxWaits           int `mapstructure:"max_waits"`
}

type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	InitialBackoffSec int     `mapstructure:"initial_backoff_sec"`
	Multiplier        float64 `mapstructure:"multiplier"`
	MaxBackoffSec     int     `mapstructure:"max_backoff_sec"`
}

// StorageConfig 选择输出 sink 以及进度、运行记录的位置。
type StorageConfig struct {
	Sink         string `mapstructure:"sink"`
	DataDir      string `mapstructure:"data_dir"`
	ProgressFile string `mapstructure:"progress_file"`
	HistoryDB    string `mapstructure:"history_db"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	MergePrefix  string `mapstructure:"merge_prefix"`
}

type EntitiesConfig struct {
	File         string `mapstructure:"file"`
	LookbackDays int    `mapstructure:"lookback_days"`
}

type ProviderConfig struct {
	Name              string        `mapstructure:"name"`
	RESTURL           string        `mapstructure:"rest_url"`
	APIKey            string        `mapstructure:"api_key"`
	SecretKey         string        `mapstructure:"secret_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	PageLimit         int           `mapstructure:"page_limit"`
	TimeoutSec        int           `mapstructure:"timeout_sec"`
	Circuit           CircuitConfig `mapstructure:"circuit"`
}

type CircuitConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSec      int `mapstructure:"cooldown_sec"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// ScheduleConfig 仅在 serve 模式下生效。
type ScheduleConfig struct {
	Cron          string `mapstructure:"cron"`
	RunOnStart    bool   `mapstructure:"run_on_start"`
	WatchEntities bool   `mapstructure:"watch_entities"`
}

type QualityConfig struct {
	CalendarMIC string `mapstructure:"calendar_mic"`
}

func (f FetchConfig) Location() *time.Location {
	loc, err := market.ParseOffset(f.UTCOffset)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (l LimitsConfig) seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func (l LimitsConfig) DuplicateWindow() time.Duration { return l.seconds(l.DuplicateWindowSec) }
func (l LimitsConfig) EntityWindow() time.Duration    { return l.seconds(l.EntityWindowSec) }
func (l LimitsConfig) GlobalWindow() time.Duration    { return l.seconds(l.GlobalWindowSec) }
func (l LimitsConfig) MinInterval() time.Duration     { return l.seconds(l.MinIntervalSec) }
func (l LimitsConfig) PurgeAfter() time.Duration      { return l.seconds(l.PurgeAfterSec) }

func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffSec) * time.Second
}

func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSec) * time.Second
}

func (s StorageConfig) SinkKind() string {
	return strings.ToLower(strings.TrimSpace(s.Sink))
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
