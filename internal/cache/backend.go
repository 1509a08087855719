// Package cache is the persistent result cache: an in-memory hit path in
// front of a durable key/value backend, with pending writes committed in
// batches.
//
// Backends:
//   - LogStore: a single append-only file of zstd-compressed commit frames.
//     The whole index lives in memory; a torn trailing frame is dropped on open.
//   - BadgerStore: a badger v4 directory; each commit is one transaction.
//
// Both backends commit a batch all-or-nothing: readers never observe part
// of a batch.
package cache

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Backend.Get for keys that were never committed.
var ErrNotFound = errors.New("not found")

// ErrStorage wraps failures of the durable backend.
var ErrStorage = errors.New("storage failure")

// Backend is durable key/value storage for encoded records.
type Backend interface {
	// Get returns the committed value for key or ErrNotFound.
	Get(key string) ([]byte, error)
	// Commit makes every entry of batch durable, or none of them.
	Commit(batch map[string][]byte) error
	// Len returns the number of committed keys.
	Len() int
	// Size returns the on-disk footprint in bytes.
	Size() int64
	// Iterate calls fn for every committed entry in key order until fn
	// returns false.
	Iterate(fn func(key string, value []byte) bool) error
	Close() error
}

// Backend kinds accepted by OpenBackend.
const (
	BackendLog    = "log"
	BackendBadger = "badger"
)

// Copy writes every committed entry of src to dst in commits of at most
// batchSize entries and returns the number copied.
func Copy(dst, src Backend, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var (
		n       int
		copyErr error
	)
	batch := make(map[string][]byte, batchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := dst.Commit(batch); err != nil {
			copyErr = err
			return false
		}
		n += len(batch)
		batch = make(map[string][]byte, batchSize)
		return true
	}

	err := src.Iterate(func(key string, value []byte) bool {
		batch[key] = value
		if len(batch) >= batchSize {
			return flush()
		}
		return true
	})
	if err != nil {
		return n, err
	}
	if copyErr != nil {
		return n, copyErr
	}
	if !flush() {
		return n, copyErr
	}
	return n, nil
}

// OpenBackend opens the backend of the given kind at path.
func OpenBackend(kind, path string) (Backend, error) {
	switch strings.ToLower(kind) {
	case "", BackendLog:
		return OpenLogStore(path)
	case BackendBadger:
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", kind)
	}
}
