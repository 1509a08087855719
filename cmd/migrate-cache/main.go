package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/freeeve/chessanalysis/internal/cache"
)

func main() {
	var (
		fromFile    = flag.String("from", "data/cache.db", "source cache file or directory")
		fromBackend = flag.String("from-backend", cache.BackendLog, "source backend: log or badger")
		toFile      = flag.String("to", "data/cache.badger", "destination cache file or directory")
		toBackend   = flag.String("to-backend", cache.BackendBadger, "destination backend: log or badger")
		batchSize   = flag.Int("batch-size", 1000, "entries per destination commit")
	)
	flag.Parse()

	if *fromFile == *toFile {
		fmt.Fprintln(os.Stderr, "source and destination must differ")
		os.Exit(1)
	}

	src, err := cache.OpenBackend(*fromBackend, *fromFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open source: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	dst, err := cache.OpenBackend(*toBackend, *toFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open destination: %v\n", err)
		os.Exit(1)
	}
	defer dst.Close()

	fmt.Printf("Copying %d entries from %s (%s) to %s (%s)...\n",
		src.Len(), *fromFile, *fromBackend, *toFile, *toBackend)

	start := time.Now()
	n, err := cache.Copy(dst, src, *batchSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "copy failed after %d entries: %v\n", n, err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! Copied %d entries in %v; destination has %d entries (%d bytes)\n",
		n, time.Since(start).Round(time.Millisecond), dst.Len(), dst.Size())
}
