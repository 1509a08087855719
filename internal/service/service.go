// Package service answers analysis requests: a cached record when one
// exists, otherwise a fresh engine search that is normalized and cached.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessanalysis/internal/analysis"
	"github.com/freeeve/chessanalysis/internal/cache"
	"github.com/freeeve/chessanalysis/internal/engine"
	"github.com/freeeve/chessanalysis/internal/metrics"
	"github.com/freeeve/chessanalysis/internal/position"
)

// Analyzer runs an engine search. *engine.Pool satisfies it.
type Analyzer interface {
	Submit(ctx context.Context, fen string, depth int) ([]engine.Info, error)
}

// Config configures a Service.
type Config struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Now is the clock; tests may replace it.
	Now func() time.Time
}

// Service is the analysis coordinator.
type Service struct {
	analyzer Analyzer
	cache    *cache.Cache
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	started  time.Time
}

// New creates a Service over a pool and a cache.
func New(cfg Config, analyzer Analyzer, c *cache.Cache) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		analyzer: analyzer,
		cache:    c,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		started:  cfg.Now(),
	}
}

// Result is the answer to one analysis request.
type Result struct {
	Cached  bool
	FEN     string
	Depth   int
	Elapsed time.Duration
	Record  analysis.Record
}

// Analyze returns the analysis of fen at depth. Invalid input is rejected
// before the cache is touched. Two concurrent misses on the same key both
// run a search; the later insert wins.
func (s *Service) Analyze(ctx context.Context, fen string, depth int) (*Result, error) {
	start := s.now()

	key, err := position.NewKey(fen, depth)
	if err != nil {
		return nil, err
	}
	k := key.String()

	rec, ok, err := s.cache.Lookup(k)
	if err != nil {
		// A broken read is treated as a miss; the search result overwrites it.
		s.log.Warn().Err(err).Str("key", k).Msg("cache lookup failed, recomputing")
	}
	if ok {
		elapsed := s.now().Sub(start)
		s.metrics.ObserveAnalyze(true, elapsed.Seconds())
		return &Result{Cached: true, FEN: fen, Depth: depth, Elapsed: elapsed, Record: rec}, nil
	}

	infos, err := s.analyzer.Submit(ctx, key.Position.FEN, depth)
	if err != nil {
		return nil, fmt.Errorf("analyse %q depth %d: %w", fen, depth, err)
	}
	rec, err = analysis.Normalize(key.Position.FEN, infos)
	if err != nil {
		return nil, fmt.Errorf("normalize %q depth %d: %w", fen, depth, err)
	}
	if err := s.cache.Insert(k, rec); err != nil {
		return nil, err
	}

	elapsed := s.now().Sub(start)
	s.metrics.ObserveAnalyze(false, elapsed.Seconds())
	s.log.Debug().
		Str("key", k).
		Dur("elapsed", elapsed).
		Int("lines", len(rec)).
		Msg("analysed position")
	return &Result{Cached: false, FEN: fen, Depth: depth, Elapsed: elapsed, Record: rec}, nil
}

// Stats are the cache counters plus process uptime.
type Stats struct {
	cache.Stats
	Uptime time.Duration
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Stats:  s.cache.Stats(),
		Uptime: s.now().Sub(s.started),
	}
}
