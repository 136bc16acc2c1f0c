package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CivilLayout is the canonical timestamp written to sinks.
const CivilLayout = "2006-01-02 15:04:05"

var civilInputLayouts = []string{
	CivilLayout,
	"2006-01-02T15:04:05",
	"20060102 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseOffset 解析固定时区偏移，例如 "+08:00"、"-0600"、"UTC"、"Z"。
func ParseOffset(raw string) (*time.Location, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToUpper(s) {
	case "", "UTC", "Z", "+00:00", "-00:00":
		return time.UTC, nil
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("invalid utc offset %q: must start with + or -", raw)
	}
	body := strings.ReplaceAll(s[1:], ":", "")
	if len(body) != 2 && len(body) != 4 {
		return nil, fmt.Errorf("invalid utc offset %q", raw)
	}
	hours, err := strconv.Atoi(body[:2])
	if err != nil {
		return nil, fmt.Errorf("invalid utc offset %q: %w", raw, err)
	}
	minutes := 0
	if len(body) == 4 {
		if minutes, err = strconv.Atoi(body[2:]); err != nil {
			return nil, fmt.Errorf("invalid utc offset %q: %w", raw, err)
		}
	}
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("invalid utc offset %q: out of range", raw)
	}
	secs := sign * (hours*3600 + minutes*60)
	return time.FixedZone(formatOffsetName(secs), secs), nil
}

func formatOffsetName(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

// FormatCivil renders t in the canonical layout at the given fixed offset.
func FormatCivil(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(CivilLayout)
}

// ParseCivil 解析 sink/配置中的时间；没有偏移信息的输入按 loc 解释。
func ParseCivil(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range civilInputLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// ParseExpiry 解析合约到期字符串：YYYYMMDD 或 YYYYMM（补 01 日），
// 结果为当日 23:59:59（loc 时区）。
func ParseExpiry(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if loc == nil {
		loc = time.UTC
	}
	var day time.Time
	var err error
	switch len(s) {
	case 8:
		day, err = time.ParseInLocation("20060102", s, loc)
	case 6:
		day, err = time.ParseInLocation("20060102", s+"01", loc)
	default:
		return time.Time{}, fmt.Errorf("unsupported expiry %q: want YYYYMMDD or YYYYMM", raw)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry %q: %w", raw, err)
	}
	return endOfDay(day), nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

// parseBoundary accepts an expiry string, a date (end-of-day when endOfDate) or a datetime.
func parseBoundary(raw string, loc *time.Location, endOfDate bool) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if isDigits(s) && (len(s) == 8 || len(s) == 6) {
		t, err := ParseExpiry(s, loc)
		if err != nil {
			return time.Time{}, err
		}
		if !endOfDate {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, t.Location()), nil
		}
		return t, nil
	}
	t, err := ParseCivil(s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDate && len(s) == len("2006-01-02") {
		return endOfDay(t), nil
	}
	return t, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
