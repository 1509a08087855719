package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/freeeve/uci"
	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable is returned when an engine process cannot be started or stops responding.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("engine pool closed")
)

// Info is one candidate line reported by the engine. Scores are from the
// side to move, as UCI engines report them.
type Info struct {
	MultiPV  int
	Depth    int
	Score    int
	Mate     bool
	HasScore bool
	Nodes    int
	PV       []string
}

// Session is a live handle to one engine process. A session is used by at
// most one goroutine at a time.
type Session interface {
	// ClearHash drops the engine's transposition table so earlier positions
	// cannot bias the next search.
	ClearHash() error
	// Analyse searches fen to depth with a single principal variation.
	Analyse(ctx context.Context, fen string, depth int) ([]Info, error)
	Close() error
}

// Factory starts and configures a new session.
type Factory func(ctx context.Context) (Session, error)

// UCIConfig configures sessions started by UCIFactory.
type UCIConfig struct {
	Path    string
	HashMB  int // transposition table size per session
	Threads int // search threads per session; 1 keeps results reproducible
	Logger  zerolog.Logger
}

func (c UCIConfig) withDefaults() UCIConfig {
	if c.HashMB == 0 {
		c.HashMB = 256
	}
	if c.Threads == 0 {
		c.Threads = 1
	}
	return c
}

// UCIFactory returns a Factory that spawns UCI engine processes.
func UCIFactory(cfg UCIConfig) Factory {
	cfg = cfg.withDefaults()
	return func(ctx context.Context) (Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: engine path required", ErrUnavailable)
		}
		if _, err := exec.LookPath(cfg.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		eng, err := uci.NewEngine(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, cfg.Path, err)
		}

		opts := uci.Options{
			Hash:    cfg.HashMB,
			Threads: cfg.Threads,
			MultiPV: 1,
			Ponder:  false,
			OwnBook: false,
		}
		if err := eng.SetOptions(opts); err != nil {
			eng.Close()
			return nil, fmt.Errorf("%w: set options: %v", ErrUnavailable, err)
		}

		cfg.Logger.Debug().
			Str("engine", cfg.Path).
			Int("hash_mb", cfg.HashMB).
			Int("threads", cfg.Threads).
			Msg("engine session started")

		return &uciSession{eng: eng}, nil
	}
}

type uciSession struct {
	eng       *uci.Engine
	closeOnce sync.Once
}

// ClearHash empties the hash table and starts a new game, so the engine
// carries nothing over from the previous search.
func (s *uciSession) ClearHash() error {
	if err := s.eng.SendOption("Clear Hash", true); err != nil {
		return fmt.Errorf("%w: clear hash: %v", ErrUnavailable, err)
	}
	if err := s.eng.SendCommand("ucinewgame"); err != nil {
		return fmt.Errorf("%w: ucinewgame: %v", ErrUnavailable, err)
	}
	return nil
}

// Analyse runs a depth-limited search. The uci driver has no cancellation,
// so ctx is only checked before the search starts.
//
// The driver reports neither win/draw/loss statistics nor whether a line
// carried a score token, so every line it returns counts as scored.
func (s *uciSession) Analyse(ctx context.Context, fen string, depth int) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.eng.SetFEN(fen); err != nil {
		return nil, fmt.Errorf("%w: set FEN: %v", ErrUnavailable, err)
	}

	results, err := s.eng.GoDepth(depth, uci.HighestDepthOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	if results == nil {
		return nil, fmt.Errorf("%w: no results from engine", ErrUnavailable)
	}

	infos := make([]Info, 0, len(results.Results))
	for _, r := range results.Results {
		infos = append(infos, Info{
			MultiPV:  r.MultiPV,
			Depth:    r.Depth,
			Score:    r.Score,
			Mate:     r.Mate,
			HasScore: true,
			Nodes:    r.Nodes,
			PV:       append([]string(nil), r.BestMoves...),
		})
	}
	return infos, nil
}

// Close stops and kills the engine process. Only the first call has effect.
func (s *uciSession) Close() error {
	s.closeOnce.Do(s.eng.Close)
	return nil
}

// probeFEN is searched by Probe.
const probeFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Probe starts one session, runs a depth-1 search of the initial position
// and closes the session again. A binary that does not answer the search
// before ctx ends is unavailable.
func Probe(ctx context.Context, factory Factory) error {
	s, err := factory(ctx)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	done := make(chan error, 1)
	go func() {
		infos, err := s.Analyse(context.Background(), probeFEN, 1)
		if err == nil && len(infos) == 0 {
			err = errors.New("no search output")
		}
		done <- err
	}()

	select {
	case err = <-done:
		s.Close()
	case <-ctx.Done():
		// Killing the process unblocks the search.
		s.Close()
		<-done
		err = fmt.Errorf("no reply to a depth-1 search: %w", ctx.Err())
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: probe: %v", ErrUnavailable, err)
}
