package config

import (
	"fmt"
	"strings"

	"histfetch/internal/market"

	"github.com/robfig/cron/v3"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Fetch.validate(); err != nil {
		return err
	}
	if err := c.Limits.validate(); err != nil {
		return err
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Provider.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	return nil
}

func (f *FetchConfig) validate() error {
	if f.HistoryWindowYears <= 0 {
		return fmt.Errorf("fetch.history_window_years must be > 0")
	}
	if f.ChunkSpanDays <= 0 {
		return fmt.Errorf("fetch.chunk_span_days must be > 0")
	}
	if f.MaxChunksPerEntity <= 0 {
		return fmt.Errorf("fetch.max_chunks_per_entity must be > 0")
	}
	if strings.TrimSpace(f.BarSize) != defaultBarSize {
		return fmt.Errorf("fetch.bar_size only supports %q, got %q", defaultBarSize, f.BarSize)
	}
	if _, err := market.ParseOffset(f.UTCOffset); err != nil {
		return fmt.Errorf("fetch.utc_offset: %w", err)
	}
	return nil
}

func (l *LimitsConfig) validate() error {
	checks := []struct {
		key string
		val int
	}{
		{"limits.duplicate_window_sec", l.DuplicateWindowSec},
		{"limits.entity_window_sec", l.EntityWindowSec},
		{"limits.entity_max_requests", l.EntityMaxRequests},
		{"limits.global_window_sec", l.GlobalWindowSec},
		{"limits.global_max_requests", l.GlobalMaxRequests},
		{"limits.max_waits", l.MaxWaits},
	}
	for _, c := range checks {
		if c.val <= 0 {
			return fmt.Errorf("%s must be > 0", c.key)
		}
	}
	if l.MinIntervalSec < 0 {
		return fmt.Errorf("limits.min_interval_sec must be >= 0")
	}
	if l.PurgeAfterSec < l.GlobalWindowSec || l.PurgeAfterSec < l.DuplicateWindowSec {
		return fmt.Errorf("limits.purge_after_sec must cover the global and duplicate windows")
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if r.MaxBackoffSec < r.InitialBackoffSec {
		return fmt.Errorf("retry.max_backoff_sec must be >= retry.initial_backoff_sec")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch s.SinkKind() {
	case "csv", "sqlite":
	case "postgres":
		if strings.TrimSpace(s.PostgresDSN) == "" {
			return fmt.Errorf("storage.postgres_dsn is required when storage.sink=postgres")
		}
	default:
		return fmt.Errorf("storage.sink must be csv, sqlite or postgres, got %q", s.Sink)
	}
	if strings.TrimSpace(s.ProgressFile) == "" {
		return fmt.Errorf("storage.progress_file is required")
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Name)) {
	case "binance":
	default:
		return fmt.Errorf("provider.name %q is not supported", p.Name)
	}
	if p.PageLimit <= 0 || p.PageLimit > 1500 {
		return fmt.Errorf("provider.page_limit must be within 1..1500")
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	spec := strings.TrimSpace(s.Cron)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule.cron invalid: %w", err)
	}
	return nil
}
