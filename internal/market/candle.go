package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DataRow 一根 K 线。数值字段保持数据源原样（decimal），只有时间会被规范化。
type DataRow struct {
	Time          time.Time       `json:"time"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	Count         int64           `json:"count"`
	WeightedPrice decimal.Decimal `json:"weighted_price"`
}

type Rows []DataRow

// Earliest returns the smallest timestamp in the batch.
func (rs Rows) Earliest() (time.Time, bool) {
	if len(rs) == 0 {
		return time.Time{}, false
	}
	min := rs[0].Time
	for _, r := range rs[1:] {
		if r.Time.Before(min) {
			min = r.Time
		}
	}
	return min, true
}

// Latest returns the largest timestamp in the batch.
func (rs Rows) Latest() (time.Time, bool) {
	if len(rs) == 0 {
		return time.Time{}, false
	}
	max := rs[0].Time
	for _, r := range rs[1:] {
		if r.Time.After(max) {
			max = r.Time
		}
	}
	return max, true
}

// Within 保留 floor <= t < end 的行；零值边界表示不限制。
func (rs Rows) Within(floor, end time.Time) Rows {
	out := make(Rows, 0, len(rs))
	for _, r := range rs {
		if !floor.IsZero() && r.Time.Before(floor) {
			continue
		}
		if !end.IsZero() && !r.Time.Before(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortAscending sorts in place by time; equal timestamps keep their order.
func (rs Rows) SortAscending() {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Time.Before(rs[j].Time) })
}
