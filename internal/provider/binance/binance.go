// Package binance 基于 go-binance 合约 REST 接口实现 provider.Collaborator。
package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/pkg/circuit"
	sym "histfetch/internal/pkg/symbol"
	"histfetch/internal/provider"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	maxPageLimit = 1500
	barInterval  = "1m"
	opKlines     = "binance.klines"
)

type Config struct {
	BaseURL           string
	APIKey            string
	SecretKey         string
	RequestsPerSecond float64
	Burst             int
	PageLimit         int
	Timeout           time.Duration
	CircuitThreshold  int
	CircuitCooldown   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.BaseURL == "" {
		out.BaseURL = "https://fapi.binance.com"
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 2
	}
	if out.Burst <= 0 {
		out.Burst = 1
	}
	if out.PageLimit <= 0 || out.PageLimit > maxPageLimit {
		out.PageLimit = maxPageLimit
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	if out.CircuitThreshold <= 0 {
		out.CircuitThreshold = 5
	}
	if out.CircuitCooldown <= 0 {
		out.CircuitCooldown = time.Minute
	}
	return out
}

// klineFetcher 隔离 SDK，便于测试替换。start/end 为毫秒时间戳，均为闭区间。
type klineFetcher interface {
	Klines(ctx context.Context, symbol string, start, end int64, limit int) ([]*futures.Kline, error)
}

type sdkFetcher struct {
	client *futures.Client
}

func (f sdkFetcher) Klines(ctx context.Context, symbol string, start, end int64, limit int) ([]*futures.Kline, error) {
	return f.client.NewKlinesService().
		Symbol(symbol).
		Interval(barInterval).
		StartTime(start).
		EndTime(end).
		Limit(limit).
		Do(ctx)
}

// Source 按 1 分钟 K 线向前翻页拉取一个 chunk。
type Source struct {
	cfg     Config
	fetcher klineFetcher
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker
}

func New(cfg Config) *Source {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	client.BaseURL = final.BaseURL
	client.HTTPClient = &http.Client{
		Timeout:   final.Timeout,
		Transport: statusTransport{next: http.DefaultTransport},
	}
	return newSource(final, sdkFetcher{client: client})
}

func newSource(cfg Config, fetcher klineFetcher) *Source {
	final := cfg.withDefaults()
	return &Source{
		cfg:     final,
		fetcher: fetcher,
		limiter: rate.NewLimiter(rate.Limit(final.RequestsPerSecond), final.Burst),
		breaker: circuit.NewCircuitBreaker("binance", final.CircuitThreshold, final.CircuitCooldown),
	}
}

func (s *Source) Name() string { return "binance" }

// Breaker 暴露熔断状态给指标层。
func (s *Source) Breaker() *circuit.CircuitBreaker { return s.breaker }

// FetchBars 返回 [req.Start(), req.End) 内的 bar。
// 同时指定 startTime/endTime 时交易所返回区间内最早的 limit 根，所以从 Start 往后翻页。
func (s *Source) FetchBars(ctx context.Context, req market.ChunkRequest) ([]market.DataRow, error) {
	symbol := sym.ToBinance(req.Symbol)
	if symbol == "" {
		return nil, provider.Errorf(provider.KindDefinitionNotFound, opKlines, "%s: symbol 不能为空", req.Key())
	}
	cursor := req.Start().UnixMilli()
	last := req.End.UnixMilli() - 1
	if cursor > last {
		return nil, provider.Errorf(provider.KindNoData, opKlines, "%s: 空区间", req.Key())
	}

	var rows []market.DataRow
	pages := 0
	for cursor <= last {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var page []*futures.Kline
		err := s.breaker.Do(func() error {
			var ferr error
			page, ferr = s.fetcher.Klines(ctx, symbol, cursor, last, s.cfg.PageLimit)
			return ferr
		}, countsAsFailure)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify(err)
		}
		pages++
		if len(page) == 0 {
			break
		}
		maxOpen := cursor
		for _, kl := range page {
			row, ok := convertKline(kl)
			if !ok {
				continue
			}
			rows = append(rows, row)
			if kl.OpenTime > maxOpen {
				maxOpen = kl.OpenTime
			}
		}
		if len(page) < s.cfg.PageLimit {
			break
		}
		next := maxOpen + time.Minute.Milliseconds()
		if next <= cursor {
			break
		}
		cursor = next
	}
	if len(rows) == 0 {
		return nil, provider.Errorf(provider.KindNoData, opKlines, "%s %s: no data in [%s, %s)",
			req.Key(), symbol, req.Start().UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339))
	}
	logger.Debugf("[binance] %s %s pages=%d rows=%d", req.Key(), symbol, pages, len(rows))
	return rows, nil
}

func convertKline(kl *futures.Kline) (market.DataRow, bool) {
	if kl == nil {
		return market.DataRow{}, false
	}
	open, err1 := decimal.NewFromString(kl.Open)
	high, err2 := decimal.NewFromString(kl.High)
	low, err3 := decimal.NewFromString(kl.Low)
	closePrice, err4 := decimal.NewFromString(kl.Close)
	volume, err5 := decimal.NewFromString(kl.Volume)
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		logger.Warnf("[binance] 跳过无法解析的 kline open_time=%d: %v", kl.OpenTime, err)
		return market.DataRow{}, false
	}
	wap := decimal.Zero
	if quote, err := decimal.NewFromString(kl.QuoteAssetVolume); err == nil && !volume.IsZero() {
		wap = quote.Div(volume)
	}
	return market.DataRow{
		Time:          time.UnixMilli(kl.OpenTime).UTC(),
		Open:          open,
		High:          high,
		Low:           low,
		Close:         closePrice,
		Volume:        volume,
		Count:         kl.TradeNum,
		WeightedPrice: wap,
	}, true
}

func countsAsFailure(err error) bool {
	switch provider.KindOf(classify(err)) {
	case provider.KindPacing, provider.KindOther:
		return true
	default:
		return false
	}
}

// classify 把 SDK 错误映射到 provider.Kind。
func classify(err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, circuit.ErrOpen) {
		return provider.Wrap(provider.KindOther, opKlines, err)
	}
	var se *statusError
	if errors.As(err, &se) {
		return provider.Wrap(provider.KindPacing, opKlines, err)
	}
	code, ok := apiCode(err)
	if !ok || code == 0 {
		// 没有可用的 code 时退回按文本匹配
		return provider.Wrap(provider.KindOf(err), opKlines, err)
	}
	switch code {
	case -1003, -1015:
		return provider.Wrap(provider.KindPacing, opKlines, err)
	case -1121, -1122:
		return provider.Wrap(provider.KindDefinitionNotFound, opKlines, err)
	default:
		return provider.Wrap(provider.KindOther, opKlines, err)
	}
}

// statusError 429（超频）与 418（IP 被封）的响应体不一定是 JSON，SDK 解析后会丢掉状态码。
type statusError struct {
	Status     int
	RetryAfter string
}

func (e *statusError) Error() string {
	msg := fmt.Sprintf("http %d %s", e.Status, http.StatusText(e.Status))
	if e.RetryAfter != "" {
		msg += " (retry-after " + e.RetryAfter + "s)"
	}
	return msg
}

// statusTransport 在 SDK 之前拦下限流状态码。
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &statusError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	}
	return resp, nil
}

func apiCode(err error) (int64, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	// 非 JSON 响应时 SDK 只给出原始文本，尝试从中取 code
	msg := err.Error()
	idx := strings.Index(msg, "{")
	if idx < 0 {
		return 0, false
	}
	res := gjson.Get(msg[idx:], "code")
	if !res.Exists() {
		return 0, false
	}
	return res.Int(), true
}

var _ provider.Collaborator = (*Source)(nil)

func (s *Source) String() string {
	return fmt.Sprintf("binance(%s, %.1f rps)", s.cfg.BaseURL, s.cfg.RequestsPerSecond)
}
