// Package progress 持久化每个实体的向后抓取游标。
package progress

import (
	"time"
)

// Progress 单个实体的检查点。LastFetchedPointer 只会向过去移动。
type Progress struct {
	EntityID           string    `json:"entityId"`
	Label              string    `json:"label"`
	ValidFrom          time.Time `json:"validFrom"`
	ValidUntil         time.Time `json:"validUntil"`
	LastFetchedPointer time.Time `json:"lastFetchedPointer"`
	TargetStartPointer time.Time `json:"targetStartPointer"`
	Completed          bool      `json:"completed"`
	TotalRecords       int64     `json:"totalRecords"`
	CSVPath            string    `json:"csvPath"`
	LastUpdated        time.Time `json:"lastUpdated"`
	Unfetchable        bool      `json:"unfetchable,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
}

func (p Progress) reached() bool {
	return !p.LastFetchedPointer.After(p.TargetStartPointer)
}

// Remaining 距离目标起点还差多少时间，完成后为 0。
func (p Progress) Remaining() time.Duration {
	if p.reached() {
		return 0
	}
	return p.LastFetchedPointer.Sub(p.TargetStartPointer)
}

// RunConfig 决定进度是否仍然有效；与文件中记录的不一致时全部实体进度作废。
type RunConfig struct {
	HistoryWindowYears   int  `json:"historyWindowYears"`
	ChunkSpanDays        int  `json:"chunkSpanDays"`
	IncludeExtendedHours bool `json:"includeExtendedHours"`
}

// Statistics 汇总所有实体。
type Statistics struct {
	TotalEntities int   `json:"totalEntities"`
	Completed     int   `json:"completed"`
	Pending       int   `json:"pending"`
	Unfetchable   int   `json:"unfetchable"`
	TotalRecords  int64 `json:"totalRecords"`
}

type fileState struct {
	StartTime   time.Time           `json:"startTime"`
	RunID       string              `json:"runId"`
	Config      RunConfig           `json:"config"`
	Entities    map[string]Progress `json:"entities"`
	LastUpdated time.Time           `json:"lastUpdated"`
}
