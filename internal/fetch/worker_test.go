package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"histfetch/internal/market"
	"histfetch/internal/progress"
	"histfetch/internal/provider"
	"histfetch/internal/ratelimit"
	"histfetch/internal/sink"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 9, 15, 0, 0, 0, 0, time.UTC)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) FetchBars(ctx context.Context, req market.ChunkRequest) ([]market.DataRow, error) {
	args := m.Called(ctx, req)
	rows, _ := args.Get(0).([]market.DataRow)
	return rows, args.Error(1)
}

func (m *mockSource) Name() string { return "mock" }

type funcSource func(ctx context.Context, req market.ChunkRequest) ([]market.DataRow, error)

func (f funcSource) FetchBars(ctx context.Context, req market.ChunkRequest) ([]market.DataRow, error) {
	return f(ctx, req)
}

func (funcSource) Name() string { return "func" }

type stubLimiter struct {
	mu      sync.Mutex
	err     error
	waits   int
	records []string
}

func (l *stubLimiter) Wait(context.Context, string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return l.err
}

func (l *stubLimiter) Record(entity, signature string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, entity+"|"+signature)
}

type recordingObserver struct {
	mu      sync.Mutex
	done    []Outcome
	retries []provider.Kind
}

func (o *recordingObserver) ChunkDone(res ChunkResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, res.Outcome)
}

func (o *recordingObserver) Retried(kind provider.Kind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, kind)
}

type harness struct {
	dir      string
	store    *progress.Store
	writer   sink.Writer
	limiter  *stubLimiter
	observer *recordingObserver
	sleeps   []time.Duration
	targets  map[string]Target
}

func testEntity(id string) market.Entity {
	return market.Entity{
		ID:         id,
		Label:      id,
		Symbol:     id + "USDT",
		ValidFrom:  t0.AddDate(0, 0, -28),
		ValidUntil: t0,
	}
}

func newHarness(t *testing.T, entities ...market.Entity) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:      dir,
		writer:   sink.NewCSVWriter(dir, time.UTC),
		limiter:  &stubLimiter{},
		observer: &recordingObserver{},
		targets:  make(map[string]Target),
	}
	h.store = progress.NewStore(filepath.Join(dir, "progress.json"),
		progress.RunConfig{HistoryWindowYears: 2, ChunkSpanDays: 7, IncludeExtendedHours: true},
		progress.WithNow(func() time.Time { return t0.Add(time.Hour) }))
	require.NoError(t, h.store.Load())
	for _, e := range entities {
		path := h.writer.PathFor(e)
		_, err := h.store.InitEntity(e, e.ValidFrom, path)
		require.NoError(t, err)
		h.targets[e.ID] = Target{Entity: e, SinkPath: path}
	}
	return h
}

func (h *harness) worker(src provider.Collaborator) *Worker {
	return NewWorker(WorkerDeps{
		Source:   src,
		Limiter:  h.limiter,
		Tracker:  h.store,
		Writer:   h.writer,
		Observer: h.observer,
	}, h.targets, WithSleep(func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}))
}

func (h *harness) pointer(t *testing.T, id string) time.Time {
	t.Helper()
	p, ok := h.store.Get(id)
	require.True(t, ok)
	return p.LastFetchedPointer
}

func chunkFor(e market.Entity, seq int) market.ChunkRequest {
	return market.ChunkRequest{
		EntityID: e.ID,
		Label:    e.DisplayLabel(),
		Symbol:   e.Symbol,
		End:      e.ValidUntil.AddDate(0, 0, -7*seq),
		Span:     market.Days(7),
		Floor:    e.ValidFrom,
		Seq:      seq,
	}
}

func row(at time.Time) market.DataRow {
	one := decimal.NewFromInt(1)
	return market.DataRow{Time: at, Open: one, High: one, Low: one, Close: one, Volume: one, Count: 1, WeightedPrice: one}
}

func drain(ch <-chan ChunkResult) []ChunkResult {
	var out []ChunkResult
	for res := range ch {
		out = append(out, res)
	}
	return out
}

func forEntity(id string) interface{} {
	return mock.MatchedBy(func(r market.ChunkRequest) bool { return r.EntityID == id })
}

func TestWorkerWritesRowsAndAdvancesToEarliest(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	req := chunkFor(a, 0)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, req).Return([]market.DataRow{
		row(req.End.Add(-time.Minute)),
		row(req.End),
		row(req.End.Add(-2 * time.Hour)),
		row(req.End.AddDate(0, 0, -3)),
		row(a.ValidFrom.Add(-time.Minute)),
	}, nil).Once()

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{req}))
	require.Len(t, results, 1)
	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeWritten, res.Outcome)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, req.End.AddDate(0, 0, -3), res.Pointer)
	assert.Equal(t, req.End.AddDate(0, 0, -3), h.pointer(t, "A"))
	assert.Equal(t, []string{"A|" + req.Signature()}, h.limiter.records)

	p, _ := h.store.Get("A")
	assert.Equal(t, int64(3), p.TotalRecords)
	assert.False(t, p.Completed)
	src.AssertExpectations(t)
}

func TestWorkerEmptyChunkAdvancesWithoutWriting(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	req := chunkFor(a, 0)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, req).Return([]market.DataRow{}, nil).Once()

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{req}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeEmpty, results[0].Outcome)
	assert.Equal(t, req.Previous(), h.pointer(t, "A"))

	_, err := os.Stat(h.writer.PathFor(a))
	assert.True(t, os.IsNotExist(err), "empty chunk must not touch the sink")
}

func TestWorkerOutOfRangeRowsCountAsEmpty(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	req := chunkFor(a, 0)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, req).Return([]market.DataRow{row(req.End), row(req.End.Add(time.Hour))}, nil).Once()

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{req}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeEmpty, results[0].Outcome)
	assert.Equal(t, req.End.AddDate(0, 0, -7), h.pointer(t, "A"))
}

func TestWorkerNoDataAdvances(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	req := chunkFor(a, 0)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, req).
		Return(nil, provider.Errorf(provider.KindNoData, "test", "HMDS query returned no data")).Once()

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{req}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeEmpty, results[0].Outcome)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, req.Previous(), h.pointer(t, "A"))
	assert.Empty(t, h.sleeps)
}

func TestWorkerPacingFailureIsolatesEntity(t *testing.T) {
	a, b := testEntity("A"), testEntity("B")
	h := newHarness(t, a, b)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, forEntity("A")).
		Return(nil, provider.Errorf(provider.KindPacing, "test", "pacing violation"))
	bReq := chunkFor(b, 0)
	src.On("FetchBars", mock.Anything, forEntity("B")).Return([]market.DataRow{row(bReq.End.Add(-time.Hour))}, nil)

	queue := []market.ChunkRequest{chunkFor(a, 0), bReq, chunkFor(a, 1)}
	results := drain(h.worker(src).Run(context.Background(), queue))
	require.Len(t, results, 3)

	assert.Equal(t, OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, provider.KindPacing, provider.KindOf(results[0].Err))
	assert.Equal(t, OutcomeWritten, results[1].Outcome)
	assert.Equal(t, OutcomeSkipped, results[2].Outcome)
	assert.ErrorIs(t, results[2].Err, ErrEntitySkipped)
	assert.Equal(t, 0, results[2].Attempts)

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, h.sleeps)
	assert.Equal(t, t0, h.pointer(t, "A"))
	p, _ := h.store.Get("A")
	assert.Contains(t, p.LastError, "pacing violation")
	src.AssertNumberOfCalls(t, "FetchBars", 4)

	assert.Equal(t, []Outcome{OutcomeSkipped, OutcomeWritten, OutcomeSkipped}, h.observer.done)
	assert.Equal(t, []provider.Kind{provider.KindPacing, provider.KindPacing}, h.observer.retries)
}

func TestWorkerRetriesUnclassifiedThenSucceeds(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	req := chunkFor(a, 0)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, req).Return(nil, errors.New("connection reset by peer")).Once()
	src.On("FetchBars", mock.Anything, req).Return([]market.DataRow{row(req.End.Add(-time.Minute))}, nil).Once()

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{req}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeWritten, results[0].Outcome)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeps)
	assert.Equal(t, 2, h.limiter.waits)
	src.AssertExpectations(t)
}

func TestWorkerUnclassifiedFailureLeavesPointer(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{chunkFor(a, 0)}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, t0, h.pointer(t, "A"))
}

func TestWorkerDefinitionNotFoundMarksUnfetchable(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	src := &mockSource{}
	src.On("FetchBars", mock.Anything, mock.Anything).
		Return(nil, errors.New("No security definition has been found for the request")).Once()

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{chunkFor(a, 0), chunkFor(a, 1)}))
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeUnfetchable, results[0].Outcome)
	assert.Equal(t, OutcomeSkipped, results[1].Outcome)
	assert.Empty(t, h.sleeps)

	p, _ := h.store.Get("A")
	assert.True(t, p.Unfetchable)
	assert.Equal(t, t0, p.LastFetchedPointer)
	assert.Empty(t, h.store.Pending())
	src.AssertExpectations(t)
}

func TestWorkerWaitExhaustedFailsChunk(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	h.limiter.err = ratelimit.ErrWaitExhausted
	src := &mockSource{}

	results := drain(h.worker(src).Run(context.Background(), []market.ChunkRequest{chunkFor(a, 0)}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, ratelimit.ErrWaitExhausted)
	assert.Empty(t, h.limiter.records)
	src.AssertNotCalled(t, "FetchBars", mock.Anything, mock.Anything)
	assert.Equal(t, t0, h.pointer(t, "A"))
}

func TestWorkerStopsOnCancel(t *testing.T) {
	a := testEntity("A")
	h := newHarness(t, a)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	src := funcSource(func(ctx context.Context, _ market.ChunkRequest) ([]market.DataRow, error) {
		calls++
		cancel()
		return nil, ctx.Err()
	})

	results := drain(h.worker(src).Run(ctx, []market.ChunkRequest{chunkFor(a, 0), chunkFor(a, 1)}))
	assert.Empty(t, results)
	assert.Equal(t, 1, calls)
	assert.Equal(t, t0, h.pointer(t, "A"))
}

func TestWorkerUnknownTarget(t *testing.T) {
	h := newHarness(t)
	results := drain(h.worker(&mockSource{}).Run(context.Background(), []market.ChunkRequest{chunkFor(testEntity("X"), 0)}))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
}

func TestRetryBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Second, p.Backoff(1))
	assert.Equal(t, 10*time.Second, p.Backoff(2))
	assert.Equal(t, 20*time.Second, p.Backoff(3))
	assert.Equal(t, 30*time.Second, p.Backoff(4))
	assert.Equal(t, 30*time.Second, p.Backoff(9))

	custom := RetryPolicy{MaxAttempts: -1, Initial: time.Second, Multiplier: 0.5}.withDefaults()
	assert.Equal(t, 3, custom.MaxAttempts)
	assert.Equal(t, 2.0, custom.Multiplier)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "written", OutcomeWritten.String())
	assert.Equal(t, "unfetchable", OutcomeUnfetchable.String())
	assert.True(t, OutcomeSkipped.isFailure())
	assert.False(t, OutcomeEmpty.isFailure())
}
