package market

import (
	"fmt"
	"time"
)

// ChunkRequest 一次有界的历史数据请求：从 End 向前 Span。
// Floor 是实体的有效起点，早于它的行会被丢弃（最后一块据此截断）。
type ChunkRequest struct {
	EntityID string
	Label    string
	Symbol   string
	End      time.Time
	Span     DurationSpec
	Floor    time.Time
	Seq      int
}

// Start is the nominal lower bound of the request, clipped at Floor.
func (c ChunkRequest) Start() time.Time {
	start := c.End.Add(-c.Span.Duration())
	if !c.Floor.IsZero() && start.Before(c.Floor) {
		return c.Floor
	}
	return start
}

// Previous is the pointer one full span before End, used when a chunk yields nothing.
func (c ChunkRequest) Previous() time.Time {
	return c.End.Add(-c.Span.Duration())
}

// Signature identifies a request for duplicate suppression.
func (c ChunkRequest) Signature() string {
	return fmt.Sprintf("%s|%s|%s", c.Symbol, c.End.UTC().Format(CivilLayout), c.Span)
}

func (c ChunkRequest) Key() string {
	return fmt.Sprintf("%s#%d", c.EntityID, c.Seq)
}

func (c ChunkRequest) String() string {
	return fmt.Sprintf("%s end=%s span=%s", c.Key(), c.End.UTC().Format(time.RFC3339), c.Span)
}
