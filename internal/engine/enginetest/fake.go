// Package enginetest provides an in-process engine.Session for tests that
// must not start a real engine binary.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freeeve/chessanalysis/internal/engine"
)

// ErrClosed is returned by a FakeSession used after Close.
var ErrClosed = errors.New("fake session closed")

// AnalyseFunc produces the search output for fen at depth.
type AnalyseFunc func(fen string, depth int) ([]engine.Info, error)

// Opening answers every search with 1.e4 e5 2.Nf3 from the side to move's
// point of view. It is only meaningful for the starting position.
func Opening(fen string, depth int) ([]engine.Info, error) {
	return []engine.Info{{
		MultiPV:  1,
		Depth:    depth,
		Score:    31,
		HasScore: true,
		Nodes:    1000 * depth,
		PV:       []string{"e2e4", "e7e5", "g1f3"},
	}}, nil
}

// Engine is a fake engine binary: it hands out FakeSessions and records how
// they are used.
type Engine struct {
	Analyse  AnalyseFunc
	Delay    time.Duration // time each search takes
	StartErr error         // returned by the factory when set

	mu       sync.Mutex
	sessions []*FakeSession

	running int32
	peak    int32
	cleared int64
	closed  int64
}

// New returns a fake engine answering with fn (Opening when nil).
func New(fn AnalyseFunc) *Engine {
	if fn == nil {
		fn = Opening
	}
	return &Engine{Analyse: fn}
}

// Factory returns an engine.Factory spawning sessions of e.
func (e *Engine) Factory() engine.Factory {
	return func(ctx context.Context) (engine.Session, error) {
		if e.StartErr != nil {
			return nil, e.StartErr
		}
		s := &FakeSession{eng: e}
		e.mu.Lock()
		e.sessions = append(e.sessions, s)
		e.mu.Unlock()
		return s, nil
	}
}

// Spawned returns the number of sessions started.
func (e *Engine) Spawned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Open returns the number of sessions not yet closed.
func (e *Engine) Open() int {
	return e.Spawned() - int(atomic.LoadInt64(&e.closed))
}

// Peak returns the highest number of searches that ran at the same time.
func (e *Engine) Peak() int {
	return int(atomic.LoadInt32(&e.peak))
}

// Cleared returns how many ClearHash calls were made.
func (e *Engine) Cleared() int {
	return int(atomic.LoadInt64(&e.cleared))
}

// Sessions returns the sessions spawned so far.
func (e *Engine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeSession(nil), e.sessions...)
}

// FakeSession implements engine.Session.
type FakeSession struct {
	eng *Engine

	mu       sync.Mutex
	closed   bool
	closes   int
	searches int
	inUse    bool
}

func (s *FakeSession) ClearHash() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	atomic.AddInt64(&s.eng.cleared, 1)
	return nil
}

func (s *FakeSession) Analyse(ctx context.Context, fen string, depth int) ([]engine.Info, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.inUse {
		s.mu.Unlock()
		panic("enginetest: session used concurrently")
	}
	s.inUse = true
	s.searches++
	s.mu.Unlock()

	n := atomic.AddInt32(&s.eng.running, 1)
	for {
		peak := atomic.LoadInt32(&s.eng.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.eng.peak, peak, n) {
			break
		}
	}
	if s.eng.Delay > 0 {
		time.Sleep(s.eng.Delay)
	}
	atomic.AddInt32(&s.eng.running, -1)

	s.mu.Lock()
	s.inUse = false
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return s.eng.Analyse(fen, depth)
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		atomic.AddInt64(&s.eng.closed, 1)
	}
	return nil
}

// Closes returns how many times Close was called on s.
func (s *FakeSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Searches returns how many searches s ran.
func (s *FakeSession) Searches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}
