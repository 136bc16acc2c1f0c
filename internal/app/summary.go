package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"histfetch/internal/market"
)

// StartupSummary 启动时打印的配置摘要。
type StartupSummary struct {
	ConfigPath   string
	EntitiesPath string
	Entities     []market.Entity
	Offset       *time.Location
	Span         market.DurationSpec
	WindowYears  int
	Sink         string
	SinkDir      string
	ProgressFile string
	Provider     string
	Limits       string
}

func (s *StartupSummary) Print(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, "  启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintf(w, "  配置文件: %s\n", orDash(s.ConfigPath))
	fmt.Fprintf(w, "  实体文件: %s (%d 个)\n", orDash(s.EntitiesPath), len(s.Entities))
	fmt.Fprintf(w, "  数据源:   %s\n", orDash(s.Provider))
	fmt.Fprintf(w, "  回溯窗口: %d 年，块跨度 %s\n", s.WindowYears, s.Span)
	fmt.Fprintf(w, "  输出:     %s -> %s (时区 %s)\n", s.Sink, orDash(s.SinkDir), locName(s.Offset))
	fmt.Fprintf(w, "  进度文件: %s\n", orDash(s.ProgressFile))
	fmt.Fprintf(w, "  限速:     %s\n", s.Limits)
	if len(s.Entities) > 0 {
		fmt.Fprintln(w, "  [实体]")
		for _, e := range s.Entities {
			fmt.Fprintf(w, "    - %-16s %-18s %s ~ %s\n", e.ID, e.Symbol,
				market.FormatCivil(e.ValidFrom, s.Offset), market.FormatCivil(e.ValidUntil, s.Offset))
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 72))
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

func locName(loc *time.Location) string {
	if loc == nil {
		return "UTC"
	}
	return loc.String()
}
