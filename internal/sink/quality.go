package sink

import (
	"fmt"
	"strings"
	"time"

	"histfetch/internal/logger"

	"github.com/scmhub/calendar"
)

// SessionCalendar 判断某一分钟是否处于交易时段。nil 表示全天候。
type SessionCalendar interface {
	IsOpen(t time.Time) bool
}

// QualityReport 合并后的数据质量摘要。
type QualityReport struct {
	TotalRows   int       `json:"totalRows"`
	UniqueTimes int       `json:"uniqueTimes"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
	Expected    int64     `json:"expected"`
	MissingRate float64   `json:"missingRate"` // 百分比
}

func (q QualityReport) String() string {
	if q.TotalRows == 0 {
		return "无数据"
	}
	if q.Expected <= 0 {
		return fmt.Sprintf("总数据量 %d 条，时间范围为 0，无法计算连续性", q.TotalRows)
	}
	return fmt.Sprintf("总数据量 %d 条，时间范围 %s ~ %s，每分钟缺失率 %.2f%%",
		q.TotalRows, q.First.UTC().Format(time.RFC3339), q.Last.UTC().Format(time.RFC3339), q.MissingRate)
}

// Quality 统计行数、首尾时间、期望 bar 数与缺失率。cal 非空时只计交易时段内的分钟。
func Quality(times []time.Time, barSize time.Duration, cal SessionCalendar) QualityReport {
	q := QualityReport{TotalRows: len(times)}
	if len(times) == 0 {
		return q
	}
	if barSize <= 0 {
		barSize = time.Minute
	}
	unique := make(map[int64]struct{}, len(times))
	q.First, q.Last = times[0], times[0]
	for _, t := range times {
		unique[t.Unix()] = struct{}{}
		if t.Before(q.First) {
			q.First = t
		}
		if t.After(q.Last) {
			q.Last = t
		}
	}
	q.UniqueTimes = len(unique)
	if cal == nil {
		q.Expected = int64(q.Last.Sub(q.First) / barSize)
	} else {
		for t := q.First; !t.After(q.Last); t = t.Add(barSize) {
			if cal.IsOpen(t) {
				q.Expected++
			}
		}
	}
	if q.Expected > 0 {
		rate := 100 * (1 - float64(q.UniqueTimes)/float64(q.Expected))
		if rate < 0 {
			rate = 0
		}
		q.MissingRate = rate
	}
	return q
}

// TradingCalendar 基于 scmhub/calendar 的交易日历；找不到 MIC 时退化为周一至周五全天。
type TradingCalendar struct {
	cal      *calendar.Calendar
	fallback bool
	loc      *time.Location
}

func NewTradingCalendar(mic string) *TradingCalendar {
	mic = strings.ToLower(strings.TrimSpace(mic))
	if mic == "" {
		mic = "xnys"
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		logger.Warnf("[quality] 未找到交易日历 %s，退化为周一至周五", mic)
		return &TradingCalendar{fallback: true, loc: time.UTC}
	}
	return &TradingCalendar{cal: cal, loc: cal.Loc}
}

func (c *TradingCalendar) IsOpen(t time.Time) bool {
	if c.loc != nil {
		t = t.In(c.loc)
	}
	if c.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsOpen(t)
}

func (c *TradingCalendar) Fallback() bool { return c.fallback }
