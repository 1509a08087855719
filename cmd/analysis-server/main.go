package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freeeve/chessanalysis/internal/app"
	"github.com/freeeve/chessanalysis/internal/cache"
	"github.com/freeeve/chessanalysis/internal/logx"
)

func main() {
	defaultEngine := "stockfish"
	if envPath := os.Getenv("STOCKFISH_PATH"); envPath != "" {
		defaultEngine = envPath
	}

	var (
		// Engine
		enginePath = flag.String("engine", defaultEngine, "path to a UCI engine executable (env STOCKFISH_PATH)")
		workers    = flag.Int("workers", 4, "maximum concurrent engine searches")
		hashMB     = flag.Int("hash", 256, "engine hash MB per session")
		threads    = flag.Int("threads", 1, "engine threads per session")

		// Cache
		cacheFile     = flag.String("cache-file", "data/cache.db", "cache file (log backend) or directory (badger backend)")
		cacheBackend  = flag.String("cache-backend", cache.BackendLog, "cache backend: log or badger")
		commitFreq    = flag.Int("commit-freq", 60, "commit pending cache writes every N requests")
		flushInterval = flag.Duration("flush-interval", 60*time.Second, "commit pending cache writes at least this often")
		hotEntries    = flag.Int("hot-entries", 10000, "decoded records kept in memory (0 = disabled)")

		// Server
		host           = flag.String("host", "127.0.0.1", "listen host")
		port           = flag.Int("port", 5000, "listen port")
		requestTimeout = flag.Duration("request-timeout", 10*time.Minute, "longest an /analyze request waits for the engine")
		shutdownGrace  = flag.Duration("shutdown-grace", 500*time.Millisecond, "time in-flight requests get on shutdown")

		// ECO settings
		ecoDir = flag.String("eco-dir", "", "directory containing ECO .tsv files (empty = no opening names)")

		// Logging
		logFormat = flag.String("log-format", "console", "log format: console or json")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := logx.New(logx.Config{Format: *logFormat, Level: *logLevel})

	a, err := app.New(app.Config{
		EnginePath:     *enginePath,
		HashMB:         *hashMB,
		Threads:        *threads,
		Workers:        *workers,
		CacheFile:      *cacheFile,
		CacheBackend:   *cacheBackend,
		CommitFreq:     *commitFreq,
		FlushInterval:  *flushInterval,
		HotEntries:     *hotEntries,
		Host:           *host,
		Port:           *port,
		RequestTimeout: *requestTimeout,
		ShutdownGrace:  *shutdownGrace,
		EcoDir:         *ecoDir,
	}, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("start analysis server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("analysis server stopped")
	}
}
