package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is a Backend on a badger database directory.
type BadgerStore struct {
	db     *badger.DB
	count  int64
	closed sync.Once
}

// OpenBadgerStore opens or creates a badger database in dir with
// synchronous writes, so a returned Commit is durable.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger %s: %v", ErrStorage, dir, err)
	}

	s := &BadgerStore{db: db}
	n, err := s.countKeys()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.count = n
	return s, nil
}

func (s *BadgerStore) countKeys() (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count keys: %v", ErrStorage, err)
	}
	return n, nil
}

// Get returns the committed record bytes for key.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %q: %v", ErrStorage, key, err)
	}
	return val, nil
}

// Commit writes batch in a single transaction.
func (s *BadgerStore) Commit(batch map[string][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	var added int64
	err := s.db.Update(func(txn *badger.Txn) error {
		added = 0
		for k, v := range batch {
			_, err := txn.Get([]byte(k))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				added++
			case err != nil:
				return err
			}
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: commit %d entries: %v", ErrStorage, len(batch), err)
	}
	atomic.AddInt64(&s.count, added)
	return nil
}

// Iterate walks the database in key order inside one read transaction.
func (s *BadgerStore) Iterate(fn func(key string, value []byte) bool) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.KeyCopy(nil)), val) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: iterate: %v", ErrStorage, err)
	}
	return nil
}

// Len returns the number of committed keys.
func (s *BadgerStore) Len() int {
	return int(atomic.LoadInt64(&s.count))
}

// Size returns the LSM plus value log size in bytes.
func (s *BadgerStore) Size() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

// Close closes the database. It is safe to call more than once.
func (s *BadgerStore) Close() error {
	var err error
	s.closed.Do(func() {
		if cerr := s.db.Close(); cerr != nil {
			err = fmt.Errorf("%w: close badger: %v", ErrStorage, cerr)
		}
	})
	return err
}
