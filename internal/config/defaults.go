package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultHistoryWindowYears = 2
	defaultChunkSpanDays      = 7
	defaultMaxChunks          = 200
	defaultBarSize            = "1 min"
	defaultUTCOffset          = "+00:00"
	defaultDuplicateWindowSec = 15
	defaultEntityWindowSec    = 2
	defaultEntityMaxRequests  = 5
	defaultGlobalWindowSec    = 600
	defaultGlobalMaxRequests  = 50
	defaultMinIntervalSec     = 3
	defaultPurgeAfterSec      = 900
	defaultMaxWaits           = 20
	defaultRetryAttempts      = 3
	defaultRetryBackoffSec    = 5
	defaultRetryMultiplier    = 2.0
	defaultRetryMaxBackoffSec = 30
	defaultSink               = "csv"
	defaultDataDir            = "data"
	defaultProgressFile       = "data/progress.json"
	defaultHistoryDB          = "data/runs.db"
	defaultMergePrefix        = "merged"
	defaultEntitiesFile       = "configs/entities.yaml"
	defaultProviderName       = "binance"
	defaultProviderREST       = "https://fapi.binance.com"
	defaultProviderRPS        = 2.0
	defaultProviderBurst      = 1
	defaultPageLimit          = 1500
	defaultProviderTimeoutSec = 15
	defaultCircuitFailures    = 5
	defaultCircuitCooldownSec = 60
	defaultHTTPAddr           = ":9992"
	defaultCalendarMIC        = "xnys"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Fetch.applyDefaults(keys)
	c.Limits.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Entities.applyDefaults(keys)
	c.Provider.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	c.Schedule.applyDefaults(keys)
	c.Quality.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
	)
}

func (f *FetchConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("fetch.history_window_years", &f.HistoryWindowYears, defaultHistoryWindowYears),
		intFieldDefault("fetch.chunk_span_days", &f.ChunkSpanDays, defaultChunkSpanDays),
		intFieldDefault("fetch.max_chunks_per_entity", &f.MaxChunksPerEntity, defaultMaxChunks),
		boolFieldDefault("fetch.include_extended_hours", &f.IncludeExtendedHours, true),
		stringFieldDefault("fetch.bar_size", &f.BarSize, defaultBarSize),
		stringFieldDefault("fetch.utc_offset", &f.UTCOffset, defaultUTCOffset),
	)
}

func (l *LimitsConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("limits.duplicate_window_sec", &l.DuplicateWindowSec, defaultDuplicateWindowSec),
		intFieldDefault("limits.entity_window_sec", &l.EntityWindowSec, defaultEntityWindowSec),
		intFieldDefault("limits.entity_max_requests", &l.EntityMaxRequests, defaultEntityMaxRequests),
		intFieldDefault("limits.global_window_sec", &l.GlobalWindowSec, defaultGlobalWindowSec),
		intFieldDefault("limits.global_max_requests", &l.GlobalMaxRequests, defaultGlobalMaxRequests),
		intFieldDefault("limits.min_interval_sec", &l.MinIntervalSec, defaultMinIntervalSec),
		intFieldDefault("limits.purge_after_sec", &l.PurgeAfterSec, defaultPurgeAfterSec),
		intFieldDefault("limits.max_waits", &l.MaxWaits, defaultMaxWaits),
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("retry.max_attempts", &r.MaxAttempts, defaultRetryAttempts),
		intFieldDefault("retry.initial_backoff_sec", &r.InitialBackoffSec, defaultRetryBackoffSec),
		intFieldDefault("retry.max_backoff_sec", &r.MaxBackoffSec, defaultRetryMaxBackoffSec),
		fieldDefault{
			key:   "retry.multiplier",
			need:  func() bool { return r.Multiplier < 1 },
			apply: func() { r.Multiplier = defaultRetryMultiplier },
		},
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.sink", &s.Sink, defaultSink),
		stringFieldDefault("storage.data_dir", &s.DataDir, defaultDataDir),
		stringFieldDefault("storage.progress_file", &s.ProgressFile, defaultProgressFile),
		stringFieldDefault("storage.history_db", &s.HistoryDB, defaultHistoryDB),
		stringFieldDefault("storage.merge_prefix", &s.MergePrefix, defaultMergePrefix),
	)
	s.Sink = strings.ToLower(strings.TrimSpace(s.Sink))
}

func (e *EntitiesConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("entities.file", &e.File, defaultEntitiesFile),
	)
}

func (p *ProviderConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("provider.name", &p.Name, defaultProviderName),
		stringFieldDefault("provider.rest_url", &p.RESTURL, defaultProviderREST),
		intFieldDefault("provider.burst", &p.Burst, defaultProviderBurst),
		intFieldDefault("provider.page_limit", &p.PageLimit, defaultPageLimit),
		intFieldDefault("provider.timeout_sec", &p.TimeoutSec, defaultProviderTimeoutSec),
		intFieldDefault("provider.circuit.failure_threshold", &p.Circuit.FailureThreshold, defaultCircuitFailures),
		intFieldDefault("provider.circuit.cooldown_sec", &p.Circuit.CooldownSec, defaultCircuitCooldownSec),
		fieldDefault{
			key:   "provider.requests_per_second",
			need:  func() bool { return p.RequestsPerSecond <= 0 },
			apply: func() { p.RequestsPerSecond = defaultProviderRPS },
		},
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
	)
}

func (s *ScheduleConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	// cron 留空表示不定时运行
	applyFieldDefaults(keys,
		boolFieldDefault("schedule.watch_entities", &s.WatchEntities, true),
	)
}

func (q *QualityConfig) applyDefaults(keys keySet) {
	if q == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("quality.calendar_mic", &q.CalendarMIC, defaultCalendarMIC),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
