package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessanalysis/internal/analysis"
	"github.com/freeeve/chessanalysis/internal/cache"
	"github.com/freeeve/chessanalysis/internal/engine"
	"github.com/freeeve/chessanalysis/internal/engine/enginetest"
	"github.com/freeeve/chessanalysis/internal/metrics"
	"github.com/freeeve/chessanalysis/internal/position"
	"github.com/freeeve/chessanalysis/internal/service"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type fixture struct {
	svc   *service.Service
	pool  *engine.Pool
	cache *cache.Cache
	fake  *enginetest.Engine
}

func newFixture(t *testing.T, fake *enginetest.Engine, workers int) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	log := zerolog.Nop()

	pool := engine.NewPool(engine.PoolConfig{MaxWorkers: workers, Logger: log, Metrics: m}, fake.Factory())
	backend, err := cache.OpenLogStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenLogStore: %v", err)
	}
	c, err := cache.Open(cache.Config{HotEntries: 64, Logger: log, Metrics: m}, backend)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Shutdown(context.Background())
		_ = c.Close()
	})

	return &fixture{
		svc:   service.New(service.Config{Logger: log, Metrics: m}, pool, c),
		pool:  pool,
		cache: c,
		fake:  fake,
	}
}

func TestAnalyze_StartPositionScenario(t *testing.T) {
	f := newFixture(t, enginetest.New(nil), 2)
	ctx := context.Background()

	first, err := f.svc.Analyze(ctx, startFEN, 10)
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	if first.Cached {
		t.Error("first call reported cached")
	}
	if first.FEN != startFEN || first.Depth != 10 {
		t.Errorf("echoed inputs = %q/%d", first.FEN, first.Depth)
	}
	best, ok := first.Record.Best()
	if !ok {
		t.Fatal("empty record")
	}
	if best.Nodes == nil || *best.Nodes <= 0 {
		t.Errorf("nodes = %v, want populated", best.Nodes)
	}
	if best.BestMove != "e2e4" || best.BestSAN != "e4" {
		t.Errorf("best move = %s/%s, want e2e4/e4", best.BestMove, best.BestSAN)
	}

	second, err := f.svc.Analyze(ctx, startFEN, 10)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if !second.Cached {
		t.Error("second call not cached")
	}
	if !reflect.DeepEqual(first.Record, second.Record) {
		t.Errorf("cached record differs:\n first=%+v\nsecond=%+v", first.Record, second.Record)
	}
	sessions := f.fake.Sessions()
	if len(sessions) != 1 || sessions[0].Searches() != 1 {
		t.Errorf("engine sessions = %d, want one session with one search", len(sessions))
	}
}

func TestAnalyze_ClockFieldsShareCacheEntry(t *testing.T) {
	f := newFixture(t, enginetest.New(nil), 1)
	ctx := context.Background()

	if _, err := f.svc.Analyze(ctx, startFEN, 8); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	res, err := f.svc.Analyze(ctx, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 5 40", 8)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Cached {
		t.Error("position differing only in clocks was not a hit")
	}

	// A different depth is a different entry.
	res, err = f.svc.Analyze(ctx, startFEN, 9)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Cached {
		t.Error("different depth reported cached")
	}
}

func TestAnalyze_InvalidInputLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, enginetest.New(nil), 1)
	ctx := context.Background()

	tests := []struct {
		name  string
		fen   string
		depth int
	}{
		{"depth too deep", startFEN, 100},
		{"depth zero", startFEN, 0},
		{"fen too short", "8/8/8 w -", 10},
		{"fen too long", startFEN + strings.Repeat(" x", 15), 10},
		{"not a board", "hello world this is not chess", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Analyze(ctx, tt.fen, tt.depth)
			if !errors.Is(err, position.ErrInvalidInput) {
				t.Fatalf("Analyze = %v, want ErrInvalidInput", err)
			}
		})
	}

	st := f.svc.Stats()
	if st.Requests != 0 || st.Entries != 0 || st.Dirty {
		t.Errorf("cache touched by invalid input: %+v", st.Stats)
	}
	if f.fake.Spawned() != 0 {
		t.Errorf("engine started %d times for invalid input", f.fake.Spawned())
	}
}

func TestAnalyze_EngineFailureIsNotCached(t *testing.T) {
	boom := errors.New("engine crashed")
	fake := enginetest.New(func(string, int) ([]engine.Info, error) { return nil, boom })
	f := newFixture(t, fake, 1)

	if _, err := f.svc.Analyze(context.Background(), startFEN, 5); !errors.Is(err, boom) {
		t.Fatalf("Analyze = %v, want wrapped engine error", err)
	}
	if st := f.svc.Stats(); st.Entries != 0 || st.Dirty {
		t.Errorf("failed search was cached: %+v", st.Stats)
	}
}

func TestAnalyze_MalformedOutputIsNotCached(t *testing.T) {
	fake := enginetest.New(func(string, int) ([]engine.Info, error) {
		return []engine.Info{{MultiPV: 1, Depth: 5, PV: []string{"e2e4"}}}, nil
	})
	f := newFixture(t, fake, 1)

	_, err := f.svc.Analyze(context.Background(), startFEN, 5)
	if !errors.Is(err, analysis.ErrMalformedOutput) {
		t.Fatalf("Analyze = %v, want ErrMalformedOutput", err)
	}
	if st := f.svc.Stats(); st.Entries != 0 {
		t.Errorf("entries = %d, want 0", st.Entries)
	}
}

func TestAnalyze_ConcurrentMissesBoundedByPool(t *testing.T) {
	const workers = 2
	fake := enginetest.New(nil)
	fake.Delay = 20 * time.Millisecond
	f := newFixture(t, fake, workers)

	// Same position at distinct depths: every request is a miss.
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers)
	for i := 0; i < 2*workers; i++ {
		wg.Add(1)
		go func(depth int) {
			defer wg.Done()
			res, err := f.svc.Analyze(context.Background(), startFEN, depth)
			if err == nil && res.Cached {
				err = errors.New("unexpected hit")
			}
			errs <- err
		}(i + 1)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Analyze: %v", err)
		}
	}

	if fake.Peak() > workers {
		t.Errorf("peak concurrent searches = %d, want <= %d", fake.Peak(), workers)
	}
	if got := f.svc.Stats().Entries; got != 2*workers {
		t.Errorf("entries = %d, want %d", got, 2*workers)
	}
}

func TestAnalyze_DeadlineAbandonsWait(t *testing.T) {
	fake := enginetest.New(nil)
	fake.Delay = 200 * time.Millisecond
	f := newFixture(t, fake, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.svc.Analyze(ctx, startFEN, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Analyze = %v, want DeadlineExceeded", err)
	}

	// Capacity comes back once the abandoned search finishes.
	res, err := f.svc.Analyze(context.Background(), startFEN, 6)
	if err != nil {
		t.Fatalf("Analyze after timeout: %v", err)
	}
	if res.Cached {
		t.Error("unexpected hit")
	}
}

func TestStats_Uptime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	backend, err := cache.OpenLogStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.Open(cache.Config{Logger: zerolog.Nop()}, backend)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	svc := service.New(service.Config{Logger: zerolog.Nop(), Now: clock}, nil, c)
	now = now.Add(90 * time.Second)
	if got := svc.Stats().Uptime; got != 90*time.Second {
		t.Errorf("uptime = %v, want 90s", got)
	}
}
