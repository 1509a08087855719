package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessanalysis/internal/analysis"
	"github.com/freeeve/chessanalysis/internal/metrics"
)

// Config configures the result cache.
type Config struct {
	CommitFreq int // commit after every CommitFreq requests (counted since start)
	HotEntries int // decoded records kept in memory; 0 disables the LRU
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// DefaultFlushInterval is used by RunFlusher when no interval is given.
const DefaultFlushInterval = 60 * time.Second

func (c Config) withDefaults() Config {
	if c.CommitFreq <= 0 {
		c.CommitFreq = 60
	}
	return c
}

// Cache maps cache keys to analysis records. All counters, the pending
// write set and the dirty flag are guarded by one mutex.
type Cache struct {
	cfg     Config
	log     zerolog.Logger
	backend Backend
	hot     *lru.Cache[string, analysis.Record]

	mu       sync.Mutex
	pending  map[string][]byte // written but not yet committed
	dirty    bool
	entries  int
	requests uint64
	commits  uint64
	hits     uint64
	misses   uint64

	// nextCommitAt is the request count at which the count trigger fires.
	nextCommitAt uint64
	closed       bool
}

// Open wraps an opened backend. The Cache owns backend from here on.
func Open(cfg Config, backend Backend) (*Cache, error) {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:          cfg,
		log:          cfg.Logger,
		backend:      backend,
		pending:      make(map[string][]byte),
		entries:      backend.Len(),
		nextCommitAt: uint64(cfg.CommitFreq),
	}
	if cfg.HotEntries > 0 {
		hot, err := lru.New[string, analysis.Record](cfg.HotEntries)
		if err != nil {
			return nil, fmt.Errorf("create hot cache: %w", err)
		}
		c.hot = hot
	}
	cfg.Metrics.SetEntries(c.entries)

	c.log.Info().
		Int("entries", c.entries).
		Int64("bytes", backend.Size()).
		Int("commit_freq", cfg.CommitFreq).
		Msg("result cache opened")
	return c, nil
}

// Lookup counts one request and returns the record for key if cached.
func (c *Cache) Lookup(key string) (analysis.Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	c.cfg.Metrics.IncRequests()

	rec, ok, err := c.getLocked(key)
	if err != nil {
		c.misses++
		c.cfg.Metrics.IncMisses()
		return nil, false, err
	}
	if ok {
		c.hits++
		c.cfg.Metrics.IncHits()
	} else {
		c.misses++
		c.cfg.Metrics.IncMisses()
	}

	c.maybeCommitLocked()
	return rec, ok, nil
}

func (c *Cache) getLocked(key string) (analysis.Record, bool, error) {
	if c.hot != nil {
		if rec, ok := c.hot.Get(key); ok {
			return rec, true, nil
		}
	}

	data, ok := c.pending[key]
	if !ok {
		var err error
		data, err = c.backend.Get(key)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}

	var rec analysis.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("%w: decode %q: %v", ErrStorage, key, err)
	}
	if len(rec) == 0 {
		// Never cached; treat as a miss so the entry is recomputed.
		return nil, false, nil
	}
	if c.hot != nil {
		c.hot.Add(key, rec)
	}
	return rec, true, nil
}

// Insert stores rec under key and marks the cache dirty. The write becomes
// durable with the next commit; a failed commit is logged and retried later,
// so Insert only fails when rec cannot be encoded.
func (c *Cache) Insert(key string, rec analysis.Record) error {
	if len(rec) == 0 {
		return fmt.Errorf("refusing to cache empty record for %q", key)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}

	// Backend reads stay outside the lock. Entries is resynced from the
	// backend after every commit, so a racing commit only skews it briefly.
	_, getErr := c.backend.Get(key)
	stored := !errors.Is(getErr, ErrNotFound)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[key]; !ok && !stored {
		c.entries++
		c.cfg.Metrics.SetEntries(c.entries)
	}
	c.pending[key] = data
	if c.hot != nil {
		c.hot.Add(key, rec)
	}
	c.setDirtyLocked(true)

	c.maybeCommitLocked()
	return nil
}

// maybeCommitLocked applies the count trigger: once requests reach the next
// multiple of CommitFreq and writes are pending, commit synchronously.
func (c *Cache) maybeCommitLocked() {
	if !c.dirty || c.requests < c.nextCommitAt {
		return
	}
	freq := uint64(c.cfg.CommitFreq)
	c.nextCommitAt = (c.requests/freq + 1) * freq
	if err := c.commitLocked("count"); err != nil {
		c.log.Error().Err(err).Msg("count-triggered commit failed, will retry")
	}
}

// commitLocked writes all pending entries to the backend. On failure the
// entries stay pending and the cache stays dirty.
func (c *Cache) commitLocked(trigger string) error {
	if !c.dirty {
		return nil
	}
	start := time.Now()
	n := len(c.pending)
	if err := c.backend.Commit(c.pending); err != nil {
		c.cfg.Metrics.IncCommitFailures()
		if errors.Is(err, ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	c.pending = make(map[string][]byte)
	c.setDirtyLocked(false)
	c.entries = c.backend.Len()
	c.cfg.Metrics.SetEntries(c.entries)
	c.commits++
	c.cfg.Metrics.IncCommits()

	c.log.Info().
		Str("trigger", trigger).
		Int("entries", n).
		Uint64("commits", c.commits).
		Dur("dur", time.Since(start)).
		Msg("cache committed")
	return nil
}

func (c *Cache) setDirtyLocked(dirty bool) {
	c.dirty = dirty
	c.cfg.Metrics.SetDirty(dirty)
}

// Flush commits pending writes if the cache is dirty.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked("timer")
}

// RunFlusher calls Flush every interval until ctx is cancelled, so a write
// never stays uncommitted for long during quiet periods.
func (c *Cache) RunFlusher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.log.Error().Err(err).Msg("periodic commit failed, will retry")
			}
		}
	}
}

// Close commits pending writes and closes the backend. Later calls are no-ops.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	commitErr := c.commitLocked("close")
	if commitErr != nil {
		c.log.Error().Err(commitErr).Int("pending", len(c.pending)).Msg("final commit failed")
	}
	if err := c.backend.Close(); err != nil {
		return err
	}
	return commitErr
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Requests uint64
	Commits  uint64
	Hits     uint64
	Misses   uint64
	Entries  int
	Bytes    int64
	Dirty    bool
	Pending  int
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Requests: c.requests,
		Commits:  c.commits,
		Hits:     c.hits,
		Misses:   c.misses,
		Entries:  c.entries,
		Bytes:    c.backend.Size(),
		Dirty:    c.dirty,
		Pending:  len(c.pending),
	}
}
