package cache

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame layout: 4-byte big-endian payload length, then a zstd frame holding
// the JSON-encoded batch. zstd's content checksum catches torn payloads.
const (
	frameHeaderSize = 4
	maxFrameSize    = 256 << 20
)

type logEntry struct {
	Key    string          `json:"k"`
	Record json.RawMessage `json:"v"`
}

// LogStore is a Backend kept in one append-only file.
type LogStore struct {
	mu    sync.RWMutex
	path  string
	f     *os.File
	size  int64
	index map[string][]byte

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenLogStore opens or creates the log at path and replays it. A trailing
// frame that cannot be decoded (a commit interrupted by a crash) is cut off.
func OpenLogStore(path string) (*LogStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderCRC(true))
	if err != nil {
		f.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		f.Close()
		return nil, err
	}

	s := &LogStore{
		path:  path,
		f:     f,
		index: make(map[string][]byte),
		enc:   enc,
		dec:   dec,
	}

	good, err := s.replay()
	if err != nil {
		s.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrStorage, path, err)
	}
	if info.Size() > good {
		if err := f.Truncate(good); err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: truncate torn frame: %v", ErrStorage, err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: seek: %v", ErrStorage, err)
	}
	s.size = good

	return s, nil
}

// replay loads every complete frame and returns the offset just past the
// last good one.
func (s *LogStore) replay() (int64, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seek: %v", ErrStorage, err)
	}
	r := bufio.NewReader(s.f)

	var good int64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			// EOF here is a clean end; a partial header is a torn write.
			return good, nil
		}
		n := binary.BigEndian.Uint32(header)
		if n == 0 || n > maxFrameSize {
			return good, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return good, nil
		}
		entries, err := s.decodeFrame(payload)
		if err != nil {
			return good, nil
		}
		for _, e := range entries {
			s.index[e.Key] = []byte(e.Record)
		}
		good += frameHeaderSize + int64(n)
	}
}

func (s *LogStore) decodeFrame(payload []byte) ([]logEntry, error) {
	raw, err := s.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, err
	}
	var entries []logEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns the committed record bytes for key.
func (s *LogStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Commit appends batch as one frame and syncs the file. On failure the file
// is cut back to its previous length and the index is left unchanged.
func (s *LogStore) Commit(batch map[string][]byte) error {
	if len(batch) == 0 {
		return nil
	}

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]logEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, logEntry{Key: k, Record: batch[k]})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("%w: store closed", ErrStorage)
	}

	payload := s.enc.EncodeAll(raw, nil)
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: batch of %d bytes exceeds frame limit", ErrStorage, len(payload))
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, err := s.f.Write(frame); err != nil {
		s.rollback()
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	if err := s.f.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}

	s.size += int64(len(frame))
	for _, k := range keys {
		s.index[k] = batch[k]
	}
	return nil
}

func (s *LogStore) rollback() {
	_ = s.f.Truncate(s.size)
	_, _ = s.f.Seek(s.size, io.SeekStart)
}

// Iterate visits a snapshot of the index in key order.
func (s *LogStore) Iterate(fn func(key string, value []byte) bool) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	snapshot := make(map[string][]byte, len(s.index))
	for k, v := range s.index {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snapshot[k]) {
			return nil
		}
	}
	return nil
}

// Len returns the number of committed keys.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Size returns the log file size in bytes.
func (s *LogStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close closes the file. It is safe to call more than once.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	err := s.f.Close()
	s.f = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}
