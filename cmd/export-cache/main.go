package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/freeeve/chessanalysis/internal/analysis"
	"github.com/freeeve/chessanalysis/internal/cache"
)

func main() {
	var (
		cacheFile    = flag.String("cache-file", "data/cache.db", "cache file or directory")
		cacheBackend = flag.String("cache-backend", cache.BackendLog, "cache backend: log or badger")
		outputPath   = flag.String("output", "analysis.csv", "Output CSV file")
	)
	flag.Parse()

	fmt.Printf("Opening %s cache: %s\n", *cacheBackend, *cacheFile)

	backend, err := cache.OpenBackend(*cacheBackend, *cacheFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open cache: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	fmt.Printf("Cache has %d entries (%d bytes)\n", backend.Len(), backend.Size())

	outFile, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output file: %v\n", err)
		os.Exit(1)
	}
	defer outFile.Close()

	writer := csv.NewWriter(outFile)
	defer writer.Flush()

	if err := writer.Write([]string{"fen", "depth", "ev", "mate", "white_wdl", "move_uci", "move_san", "pv_uci", "nodes"}); err != nil {
		fmt.Fprintf(os.Stderr, "write header: %v\n", err)
		os.Exit(1)
	}

	var exported, skipped uint64
	var writeErr error

	err = backend.Iterate(func(key string, value []byte) bool {
		fen, depth, ok := strings.Cut(key, "|")
		var rec analysis.Record
		if !ok || json.Unmarshal(value, &rec) != nil {
			skipped++
			return true
		}
		best, ok := rec.Best()
		if !ok {
			skipped++
			return true
		}

		row := []string{
			fen,
			depth,
			optionalInt(best.EV),
			optionalInt(best.Mate),
			strconv.FormatFloat(best.WhiteWDL, 'f', 4, 64),
			best.BestMove,
			best.BestSAN,
			best.PVString(),
			optionalInt(best.Nodes),
		}
		if err := writer.Write(row); err != nil {
			writeErr = err
			return false
		}

		exported++
		if exported%100000 == 0 {
			fmt.Printf("Exported %d entries\n", exported)
		}
		return true
	})
	if err == nil {
		err = writeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		os.Exit(1)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "csv writer error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! Exported %d entries to %s (%d unreadable skipped)\n", exported, *outputPath, skipped)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
