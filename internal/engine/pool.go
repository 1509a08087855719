package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/freeeve/chessanalysis/internal/metrics"
)

// PoolConfig configures the engine pool.
type PoolConfig struct {
	MaxWorkers int // concurrent engine searches, and the usual number of live sessions
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Pool owns a bounded set of engine sessions. Sessions are spawned lazily,
// reused across requests and cleared before every search.
type Pool struct {
	cfg     PoolConfig
	log     zerolog.Logger
	factory Factory
	slots   *semaphore.Weighted

	mu     sync.Mutex
	idle   []Session
	live   map[Session]struct{}
	closed bool

	tasks        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error

	// Stats
	inFlight int32
	peak     int32
	spawned  int64
	analyses int64
	failures int64
}

// NewPool creates a pool; no session is started until the first Acquire.
func NewPool(cfg PoolConfig, factory Factory) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Pool{
		cfg:     cfg,
		log:     cfg.Logger,
		factory: factory,
		slots:   semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		live:    make(map[Session]struct{}),
	}
}

// Acquire pops an idle session or spawns a new one. Every acquired session
// must be handed back exactly once with Release or Discard.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	// Spawning talks to a child process; never hold the mutex across it.
	s, err := p.factory(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to start engine session")
		return nil, err
	}

	p.mu.Lock()
	p.live[s] = struct{}{}
	p.mu.Unlock()

	atomic.AddInt64(&p.spawned, 1)
	p.cfg.Metrics.IncSpawned()
	p.cfg.Metrics.AddLive(1)
	p.log.Info().Int64("spawned", atomic.LoadInt64(&p.spawned)).Msg("engine session started")
	return s, nil
}

// Release returns a healthy session to the idle set. After Shutdown the
// session is closed instead.
func (p *Pool) Release(s Session) {
	p.mu.Lock()
	if !p.closed {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	_, owned := p.live[s]
	delete(p.live, s)
	p.mu.Unlock()

	if owned {
		p.closeSession(s)
	}
}

// Discard closes a session that failed mid-search so it is never reused.
func (p *Pool) Discard(s Session) {
	p.mu.Lock()
	_, owned := p.live[s]
	delete(p.live, s)
	p.mu.Unlock()

	if owned {
		p.closeSession(s)
	}
}

func (p *Pool) closeSession(s Session) {
	if err := s.Close(); err != nil {
		p.log.Warn().Err(err).Msg("engine session close")
	}
	p.cfg.Metrics.AddLive(-1)
}

// withSession runs fn with an acquired session and hands the session back on
// every path: Release on success, Discard on error.
func (p *Pool) withSession(ctx context.Context, fn func(Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		p.Discard(s)
		return err
	}
	p.Release(s)
	return nil
}

type submitResult struct {
	infos []Info
	err   error
}

// Submit runs a single-PV search of fen to depth on a pooled session and
// blocks until it finishes. At most MaxWorkers searches run at once. If ctx
// ends first Submit returns ctx.Err(), but the search still runs to
// completion and its session goes back to the pool.
func (p *Pool) Submit(ctx context.Context, fen string, depth int) ([]Info, error) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.tasks.Add(1)
	}
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		p.tasks.Done()
		return nil, err
	}

	done := make(chan submitResult, 1)
	go func() {
		defer p.tasks.Done()
		defer p.slots.Release(1)
		infos, err := p.run(fen, depth)
		done <- submitResult{infos: infos, err: err}
	}()

	select {
	case res := <-done:
		return res.infos, res.err
	case <-ctx.Done():
		p.log.Warn().Str("fen", fen).Int("depth", depth).Msg("caller gave up waiting for engine")
		return nil, ctx.Err()
	}
}

// run is the body of one pooled task. It deliberately ignores the caller's
// context: a started search always finishes.
func (p *Pool) run(fen string, depth int) ([]Info, error) {
	n := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, n) {
			break
		}
	}
	p.cfg.Metrics.AddInFlight(1)
	defer p.cfg.Metrics.AddInFlight(-1)

	atomic.AddInt64(&p.analyses, 1)
	p.cfg.Metrics.IncAnalyses()

	var infos []Info
	err := p.withSession(context.Background(), func(s Session) error {
		if err := s.ClearHash(); err != nil {
			return fmt.Errorf("%w: clear hash: %v", ErrUnavailable, err)
		}
		out, err := s.Analyse(context.Background(), fen, depth)
		if err != nil {
			return err
		}
		infos = out
		return nil
	})
	if err != nil {
		atomic.AddInt64(&p.failures, 1)
		p.cfg.Metrics.IncEngineErrors()
		p.log.Error().Err(err).Str("fen", fen).Int("depth", depth).Msg("engine analysis failed")
		return nil, err
	}
	return infos, nil
}

// Shutdown stops accepting work, closes idle sessions and waits for running
// searches. If ctx expires first the remaining sessions are closed under the
// searches, which then fail. Every session is closed exactly once and
// repeated calls return the first result.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown(ctx)
	})
	return p.shutdownErr
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		delete(p.live, s)
	}
	p.mu.Unlock()

	for _, s := range idle {
		p.closeSession(s)
	}

	drained := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		p.mu.Lock()
		busy := make([]Session, 0, len(p.live))
		for s := range p.live {
			busy = append(busy, s)
		}
		p.live = make(map[Session]struct{})
		p.mu.Unlock()

		p.log.Warn().Int("sessions", len(busy)).Msg("shutdown deadline reached, closing busy engine sessions")
		for _, s := range busy {
			p.closeSession(s)
		}
		<-drained
	}

	p.log.Info().
		Int64("analyses", atomic.LoadInt64(&p.analyses)).
		Int64("spawned", atomic.LoadInt64(&p.spawned)).
		Msg("engine pool stopped")
	return err
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	MaxWorkers   int   `json:"max_workers"`
	LiveSessions int   `json:"live_sessions"`
	IdleSessions int   `json:"idle_sessions"`
	InFlight     int   `json:"in_flight"`
	PeakInFlight int   `json:"peak_in_flight"`
	Spawned      int64 `json:"spawned"`
	Analyses     int64 `json:"analyses"`
	Failures     int64 `json:"failures"`
	Closed       bool  `json:"closed"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	live, idle, closed := len(p.live), len(p.idle), p.closed
	p.mu.Unlock()

	return PoolStats{
		MaxWorkers:   p.cfg.MaxWorkers,
		LiveSessions: live,
		IdleSessions: idle,
		InFlight:     int(atomic.LoadInt32(&p.inFlight)),
		PeakInFlight: int(atomic.LoadInt32(&p.peak)),
		Spawned:      atomic.LoadInt64(&p.spawned),
		Analyses:     atomic.LoadInt64(&p.analyses),
		Failures:     atomic.LoadInt64(&p.failures),
		Closed:       closed,
	}
}
