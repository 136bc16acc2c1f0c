// Package metrics 暴露抓取过程的 Prometheus 指标，使用独立 registry。
package metrics

import (
	"net/http"
	"time"

	"histfetch/internal/fetch"
	"histfetch/internal/pkg/circuit"
	"histfetch/internal/progress"
	"histfetch/internal/provider"
	"histfetch/internal/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "histfetch"

type Metrics struct {
	reg *prometheus.Registry

	chunks     *prometheus.CounterVec
	rows       prometheus.Counter
	duplicates prometheus.Counter
	retries    *prometheus.CounterVec
	backoff    prometheus.Histogram
	attempts   prometheus.Histogram
	runs       *prometheus.CounterVec
	runSeconds prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks processed by outcome",
		}, []string{"outcome"}),
		rows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows appended to sinks",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_duplicate_total",
			Help:      "Rows dropped as duplicates by sinks",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Chunk retries by provider error kind",
		}, []string{"kind"}),
		backoff: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff slept before a retry",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 6),
		}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_attempts",
			Help:      "Provider attempts per chunk",
			Buckets:   []float64{1, 2, 3, 5},
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Fetch runs by final status",
		}, []string{"status"}),
		runSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a fetch run",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ChunkDone 实现 fetch.Observer。
func (m *Metrics) ChunkDone(res fetch.ChunkResult) {
	m.chunks.WithLabelValues(res.Outcome.String()).Inc()
	m.rows.Add(float64(res.Written))
	m.duplicates.Add(float64(res.Duplicates))
	if res.Attempts > 0 {
		m.attempts.Observe(float64(res.Attempts))
	}
}

func (m *Metrics) Retried(kind provider.Kind, backoff time.Duration) {
	m.retries.WithLabelValues(kind.String()).Inc()
	m.backoff.Observe(backoff.Seconds())
}

// RunFinished 记录一次运行的结果。
func (m *Metrics) RunFinished(st fetch.Stats) {
	m.runs.WithLabelValues(st.Status).Inc()
	if !st.FinishedAt.IsZero() && st.FinishedAt.After(st.StartedAt) {
		m.runSeconds.Observe(st.FinishedAt.Sub(st.StartedAt).Seconds())
	}
}

// WatchLimiter 以 gauge 形式暴露限速器快照。
func (m *Metrics) WatchLimiter(l *ratelimit.Limiter) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "limiter", Name: "requests_in_global_window",
		Help: "Requests recorded inside the global rolling window",
	}, func() float64 { return float64(l.Snapshot().InGlobalWindow) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "limiter", Name: "denied_total",
		Help: "Admission checks denied by the limiter",
	}, func() float64 { return float64(l.Snapshot().Denied) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "limiter", Name: "waits_total",
		Help: "Sleeps taken while waiting for admission",
	}, func() float64 { return float64(l.Snapshot().Waits) })
}

// WatchProgress 暴露各状态的实体数量与累计行数。
func (m *Metrics) WatchProgress(stats func() progress.Statistics) {
	f := promauto.With(m.reg)
	entities := func(pick func(progress.Statistics) int) func() float64 {
		return func() float64 { return float64(pick(stats())) }
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "progress", Name: "entities_completed",
		Help: "Entities whose pointer reached the target start",
	}, entities(func(s progress.Statistics) int { return s.Completed }))
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "progress", Name: "entities_pending",
		Help: "Entities still to be fetched",
	}, entities(func(s progress.Statistics) int { return s.Pending }))
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "progress", Name: "entities_unfetchable",
		Help: "Entities the provider does not know",
	}, entities(func(s progress.Statistics) int { return s.Unfetchable }))
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "progress", Name: "records_total",
		Help: "Rows recorded across all entities",
	}, func() float64 { return float64(stats().TotalRecords) })
}

// WatchBreaker 熔断状态：0=closed 1=open 2=half-open。
func (m *Metrics) WatchBreaker(name string, b *circuit.CircuitBreaker) {
	if b == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "provider",
		Name:        "circuit_state",
		Help:        "Circuit breaker state of the upstream provider (0 closed, 1 open, 2 half-open)",
		ConstLabels: prometheus.Labels{"provider": name},
	}, func() float64 { return float64(b.State()) })
}

var _ fetch.Observer = (*Metrics)(nil)
