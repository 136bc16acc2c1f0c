// Package planner 把实体进度切成从游标向过去推进的有界请求块。
package planner

import (
	"time"

	"histfetch/internal/market"
	"histfetch/internal/progress"
)

const DefaultMaxChunksPerEntity = 200

type Options struct {
	Span      market.DurationSpec
	MaxChunks int
}

// Result 单个实体的计划。Capped 表示达到块数上限，剩余部分留给下一次运行。
type Result struct {
	EntityID       string
	EffectiveStart time.Time
	Chunks         []market.ChunkRequest
	Capped         bool
}

// RetentionStart 数据源只保留最近 years 年的数据。
func RetentionStart(now time.Time, years int) time.Time {
	return now.AddDate(-years, 0, 0)
}

// EffectiveStart 取有效期起点与保留期起点中较晚者；相等时以保留期为准。
func EffectiveStart(e market.Entity, retentionStart time.Time) time.Time {
	if e.ValidFrom.After(retentionStart) {
		return e.ValidFrom
	}
	return retentionStart
}

// Plan 纯函数：同样的输入总是得到同样的块序列，从游标开始每次后退一个 span，直到越过有效起点。
func Plan(e market.Entity, p progress.Progress, retentionStart time.Time, opts Options) Result {
	start := EffectiveStart(e, retentionStart)
	res := Result{EntityID: e.ID, EffectiveStart: start}
	if p.Completed || p.Unfetchable || !opts.Span.Valid() {
		return res
	}
	maxChunks := opts.MaxChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunksPerEntity
	}
	span := opts.Span.Duration()
	cursor := p.LastFetchedPointer
	for cursor.After(start) {
		if len(res.Chunks) >= maxChunks {
			res.Capped = true
			break
		}
		res.Chunks = append(res.Chunks, market.ChunkRequest{
			EntityID: e.ID,
			Label:    e.DisplayLabel(),
			Symbol:   e.Symbol,
			End:      cursor,
			Span:     opts.Span,
			Floor:    start,
			Seq:      len(res.Chunks),
		})
		cursor = cursor.Add(-span)
	}
	return res
}

// Interleave 轮转合并：每轮每个实体取一块，实体顺序保持不变。
func Interleave(plans []Result) []market.ChunkRequest {
	total := 0
	longest := 0
	for _, p := range plans {
		total += len(p.Chunks)
		if len(p.Chunks) > longest {
			longest = len(p.Chunks)
		}
	}
	out := make([]market.ChunkRequest, 0, total)
	for round := 0; round < longest; round++ {
		for _, p := range plans {
			if round < len(p.Chunks) {
				out = append(out, p.Chunks[round])
			}
		}
	}
	return out
}
