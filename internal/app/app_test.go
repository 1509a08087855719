package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessanalysis/internal/cache"
	"github.com/freeeve/chessanalysis/internal/engine"
	"github.com/freeeve/chessanalysis/internal/engine/enginetest"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func testConfig(t *testing.T) Config {
	return Config{
		Workers:       2,
		CacheFile:     filepath.Join(t.TempDir(), "cache.db"),
		CommitFreq:    1000,
		FlushInterval: time.Hour,
		Host:          "127.0.0.1",
		Port:          0,
		ShutdownGrace: 100 * time.Millisecond,
	}
}

func fetchAnalysis(t *testing.T, addr string) map[string]any {
	t.Helper()
	q := url.Values{"fen": {startFEN}, "depth": {"10"}}
	resp, err := http.Get("http://" + addr + "/analyze?" + q.Encode())
	if err != nil {
		t.Fatalf("GET /analyze: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestApp_ServeAndShutdown(t *testing.T) {
	fake := enginetest.New(nil)
	cfg := testConfig(t)

	a, err := New(cfg, fake.Factory(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	first := fetchAnalysis(t, a.Addr())
	second := fetchAnalysis(t, a.Addr())
	if first["cached"] != false || second["cached"] != true {
		t.Errorf("cached flags = %v, %v, want false, true", first["cached"], second["cached"])
	}
	for _, k := range []string{"ev", "white_wdl", "pv_uci", "pv_san", "move_uci", "move_san", "nodes"} {
		if first[k] != second[k] {
			t.Errorf("%s differs: %v vs %v", k, first[k], second[k])
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The probe session plus the pooled one, each closed exactly once.
	for i, s := range fake.Sessions() {
		if s.Closes() != 1 {
			t.Errorf("session %d closed %d times, want 1", i, s.Closes())
		}
	}
	if fake.Open() != 0 {
		t.Errorf("%d sessions left open", fake.Open())
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	// The final commit made the result durable.
	b, err := cache.OpenLogStore(cfg.CacheFile)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	defer b.Close()
	if b.Len() != 1 {
		t.Errorf("persisted entries = %d, want 1", b.Len())
	}
}

func TestApp_ShutdownWithoutRun(t *testing.T) {
	fake := enginetest.New(nil)
	a, err := New(testConfig(t), fake.Factory(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if fake.Open() != 0 {
		t.Errorf("%d sessions left open", fake.Open())
	}
}

func TestApp_EngineProbeFailureIsFatal(t *testing.T) {
	fake := enginetest.New(nil)
	fake.StartErr = errors.New("no such binary")

	cfg := testConfig(t)
	_, err := New(cfg, fake.Factory(), zerolog.Nop())
	if !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("New = %v, want ErrUnavailable", err)
	}
}

func TestApp_MissingEngineBinary(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnginePath = filepath.Join(t.TempDir(), "no-such-engine")
	if _, err := New(cfg, nil, zerolog.Nop()); !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("New = %v, want ErrUnavailable", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Workers != 4 || cfg.CommitFreq != 60 || cfg.Host != "127.0.0.1" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.FlushInterval != time.Minute || cfg.ShutdownGrace != 500*time.Millisecond {
		t.Errorf("durations = %v, %v", cfg.FlushInterval, cfg.ShutdownGrace)
	}
	if cfg.CacheBackend != cache.BackendLog || cfg.EnginePath != "stockfish" {
		t.Errorf("backend/engine = %q/%q", cfg.CacheBackend, cfg.EnginePath)
	}
}
