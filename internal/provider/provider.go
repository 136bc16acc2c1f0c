// Package provider 定义上游历史数据源的协作接口与带类型的错误。
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"histfetch/internal/market"
)

// Collaborator 上游数据源。FetchBars 返回 [req.Start(), req.End) 内的 1 分钟 bar，顺序不限。
type Collaborator interface {
	FetchBars(ctx context.Context, req market.ChunkRequest) ([]market.DataRow, error)
	Name() string
}

// Kind 错误分类，调度器只按分类处理，不解析错误文本。
type Kind int

const (
	KindOther Kind = iota
	KindPacing
	KindDefinitionNotFound
	KindNoData
)

func (k Kind) String() string {
	switch k {
	case KindPacing:
		return "pacing"
	case KindDefinitionNotFound:
		return "definition_not_found"
	case KindNoData:
		return "no_data"
	default:
		return "other"
	}
}

// Error 数据源边界上的统一错误。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 优先使用结构化分类；只有未分类的错误才按文本做尽力匹配。
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "pacing violation"),
		strings.Contains(m, "too many requests"),
		strings.Contains(m, "rate limit"):
		return KindPacing
	case strings.Contains(m, "no security definition"),
		strings.Contains(m, "invalid symbol"):
		return KindDefinitionNotFound
	case strings.Contains(m, "hmds query returned no data"),
		strings.Contains(m, "no data"):
		return KindNoData
	default:
		return KindOther
	}
}
