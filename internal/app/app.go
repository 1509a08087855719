// Package app assembles the analysis server and owns its lifecycle: start-up
// checks, the serve loop, the background committer and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/chessanalysis/internal/cache"
	"github.com/freeeve/chessanalysis/internal/eco"
	"github.com/freeeve/chessanalysis/internal/engine"
	"github.com/freeeve/chessanalysis/internal/httpapi"
	"github.com/freeeve/chessanalysis/internal/metrics"
	"github.com/freeeve/chessanalysis/internal/service"
)

// Config holds the server settings.
type Config struct {
	// Engine
	EnginePath string
	HashMB     int
	Threads    int
	Workers    int

	// Cache
	CacheFile     string
	CacheBackend  string
	CommitFreq    int
	FlushInterval time.Duration
	HotEntries    int

	// Server
	Host           string
	Port           int
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
	ProbeTimeout   time.Duration

	// EcoDir holds ECO .tsv tables; empty disables opening names.
	EcoDir string
}

func (c Config) withDefaults() Config {
	if c.EnginePath == "" {
		c.EnginePath = "stockfish"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CacheFile == "" {
		c.CacheFile = "data/cache.db"
	}
	if c.CacheBackend == "" {
		c.CacheBackend = cache.BackendLog
	}
	if c.CommitFreq <= 0 {
		c.CommitFreq = 60
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = cache.DefaultFlushInterval
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 500 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	return c
}

// App is a fully wired server.
type App struct {
	cfg   Config
	log   zerolog.Logger
	pool  *engine.Pool
	cache *cache.Cache
	svc   *service.Service
	srv   *http.Server
	ln    net.Listener

	flushCtx    context.Context
	stopFlusher context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New probes the engine, opens the cache and binds the listen address. A
// nil factory starts UCI engine processes from cfg.EnginePath. Any failure
// here is fatal for the server.
func New(cfg Config, factory engine.Factory, log zerolog.Logger) (*App, error) {
	cfg = cfg.withDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if factory == nil {
		factory = engine.UCIFactory(engine.UCIConfig{
			Path:    cfg.EnginePath,
			HashMB:  cfg.HashMB,
			Threads: cfg.Threads,
			Logger:  log.With().Str("component", "engine").Logger(),
		})
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
	err := engine.Probe(probeCtx, factory)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", cfg.EnginePath, err)
	}
	log.Info().Str("engine", cfg.EnginePath).Msg("engine probe ok")

	backend, err := cache.OpenBackend(cfg.CacheBackend, cfg.CacheFile)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	c, err := cache.Open(cache.Config{
		CommitFreq: cfg.CommitFreq,
		HotEntries: cfg.HotEntries,
		Logger:     log.With().Str("component", "cache").Logger(),
		Metrics:    m,
	}, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	pool := engine.NewPool(engine.PoolConfig{
		MaxWorkers: cfg.Workers,
		Logger:     log.With().Str("component", "pool").Logger(),
		Metrics:    m,
	}, factory)

	svc := service.New(service.Config{
		Logger:  log.With().Str("component", "service").Logger(),
		Metrics: m,
	}, pool, c)

	routerCfg := httpapi.Config{
		Logger:         log,
		Service:        svc,
		Pool:           pool,
		Metrics:        reg,
		RequestTimeout: cfg.RequestTimeout,
	}
	if cfg.EcoDir != "" {
		ecoDB := eco.NewDatabase()
		if err := ecoDB.LoadDir(cfg.EcoDir); err != nil {
			log.Warn().Err(err).Str("dir", cfg.EcoDir).Msg("failed to load ECO database")
		} else {
			log.Info().Int("openings", ecoDB.Count()).Msg("ECO database loaded")
			routerCfg.Openings = ecoDB
		}
	}

	srv := &http.Server{
		Handler:           httpapi.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,

		// Searches may take minutes; the request timeout bounds them.
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
	}

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	return &App{
		cfg:         cfg,
		log:         log,
		pool:        pool,
		cache:       c,
		svc:         svc,
		srv:         srv,
		ln:          ln,
		flushCtx:    flushCtx,
		stopFlusher: stopFlusher,
	}, nil
}

// Addr returns the bound listen address.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// Service returns the analysis service.
func (a *App) Service() *service.Service {
	return a.svc
}

// Run serves HTTP and runs the periodic committer until ctx is cancelled or
// the server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().
			Str("addr", a.Addr()).
			Int("workers", a.cfg.Workers).
			Str("cache", a.cfg.CacheFile).
			Msg("analysis server listening")
		if err := a.srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.cache.RunFlusher(a.flushCtx, a.cfg.FlushInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the server in order: no new requests, stop the committer,
// let in-flight requests finish within the grace period, close every engine
// session, then commit and close the cache. Only the first call does work;
// later calls return its result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.log.Info().Msg("shutting down...")
	var errs []error

	graceCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGrace)
	err := a.srv.Shutdown(graceCtx)
	cancel()
	if err != nil {
		a.log.Warn().Err(err).Msg("requests still running after grace period")
		_ = a.srv.Close()
	}
	// Serve may never have run; the listener must still be released.
	_ = a.ln.Close()

	a.stopFlusher()

	if err := a.pool.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("engine pool shutdown")
		errs = append(errs, fmt.Errorf("engine pool: %w", err))
	}

	st := a.svc.Stats()
	if err := a.cache.Close(); err != nil {
		a.log.Error().Err(err).Msg("cache close")
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	a.log.Info().
		Uint64("requests", st.Requests).
		Int("entries", st.Entries).
		Dur("uptime", st.Uptime).
		Msg("shutdown complete")
	return errors.Join(errs...)
}
