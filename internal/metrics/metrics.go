// Package metrics holds the Prometheus collectors shared by the engine
// pool, the result cache and the analysis service. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chessanalysis"

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	Requests       prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	Commits        prometheus.Counter
	CommitFailures prometheus.Counter
	CacheEntries   prometheus.Gauge
	Dirty          prometheus.Gauge

	EngineAnalyses  prometheus.Counter
	EngineErrors    prometheus.Counter
	SessionsSpawned prometheus.Counter
	SessionsLive    prometheus.Gauge
	InFlight        prometheus.Gauge

	AnalyzeSeconds *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Analysis requests that reached the cache.",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Cache lookups answered from the cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Cache lookups that required an engine search.",
		}),
		Commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_commits_total",
			Help: "Successful commits of pending cache writes.",
		}),
		CommitFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_commit_failures_total",
			Help: "Commits that failed and were left pending.",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries",
			Help: "Distinct keys held by the cache.",
		}),
		Dirty: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_dirty",
			Help: "1 while uncommitted writes are pending.",
		}),
		EngineAnalyses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_analyses_total",
			Help: "Engine searches started.",
		}),
		EngineErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_errors_total",
			Help: "Engine searches that failed.",
		}),
		SessionsSpawned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_sessions_spawned_total",
			Help: "Engine processes started.",
		}),
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "engine_sessions_live",
			Help: "Engine processes currently running.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "engine_in_flight",
			Help: "Engine searches currently running.",
		}),
		AnalyzeSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "analyze_seconds",
			Help:    "Wall-clock time to answer an analysis request.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"cached"}),
	}
}

// IncRequests, IncHits and the other Inc methods are nil-safe shorthands used on hot paths.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.Requests.Inc()
	}
}

func (m *Metrics) IncHits() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncMisses() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncCommits() {
	if m != nil {
		m.Commits.Inc()
	}
}

func (m *Metrics) IncCommitFailures() {
	if m != nil {
		m.CommitFailures.Inc()
	}
}

func (m *Metrics) IncAnalyses() {
	if m != nil {
		m.EngineAnalyses.Inc()
	}
}

func (m *Metrics) IncEngineErrors() {
	if m != nil {
		m.EngineErrors.Inc()
	}
}

func (m *Metrics) IncSpawned() {
	if m != nil {
		m.SessionsSpawned.Inc()
	}
}

// SetEntries records the number of cache entries.
func (m *Metrics) SetEntries(n int) {
	if m != nil {
		m.CacheEntries.Set(float64(n))
	}
}

// SetDirty records the cache dirty flag.
func (m *Metrics) SetDirty(dirty bool) {
	if m == nil {
		return
	}
	if dirty {
		m.Dirty.Set(1)
	} else {
		m.Dirty.Set(0)
	}
}

// AddLive adjusts the live session gauge.
func (m *Metrics) AddLive(delta int) {
	if m != nil {
		m.SessionsLive.Add(float64(delta))
	}
}

// AddInFlight adjusts the in-flight search gauge.
func (m *Metrics) AddInFlight(delta int) {
	if m != nil {
		m.InFlight.Add(float64(delta))
	}
}

// ObserveAnalyze records request latency.
func (m *Metrics) ObserveAnalyze(cached bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	m.AnalyzeSeconds.WithLabelValues(label).Observe(seconds)
}
