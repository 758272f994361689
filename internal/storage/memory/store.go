// Package memory implements the StateStore contract as an in-memory index
// mirrored to a line-delimited JSON snapshot, for hosts where the embedded
// Badger engine cannot be used. Every mutation rewrites the whole snapshot
// via write-temp-then-rename, which is crash-safe but O(total items) per
// write: this backend is an intentionally non-scalable safety net, not a
// peer of the Badger store. Pop order and dedup semantics are byte-identical
// to the primary backend because pending keys are re-derived from the same
// encoding on reload.
//
// The snapshot stores item records, not raw key-value pairs: only keys
// derivable from the frontier schema (item bodies, region markers, pending
// keys, seen fingerprints) survive a reload. Keys outside that schema are
// readable for the life of the process but not persisted, so this store is
// a frontier state store rather than a general-purpose KV.
package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/interfaces"
	"github.com/tracefield/frontier/internal/models"
)

const (
	snapshotFile = "frontier.jsonl"
	lockFile     = "frontier.lock"

	// Snapshot lines hold full item bodies; queries can be large.
	maxSnapshotLine = 16 * 1024 * 1024
)

// Status tags written to the snapshot, one per lifecycle region.
const (
	statusPending    = "pending"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

// Store is the snapshot-file fallback StateStore.
type Store struct {
	mu     sync.Mutex
	data   map[string][]byte
	dir    string
	logger arbor.ILogger
}

// New opens (creating if missing) a snapshot-backed store under dir and
// reloads any previous snapshot. A pid lock file enforces single-process
// ownership; a second open of the same directory fails fast.
func New(dir string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	lockPath := filepath.Join(dir, lockFile)
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("store directory %s is already in use (remove %s if no other process holds it): %w", dir, lockFile, err)
		}
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	fmt.Fprintf(lock, "%d\n", os.Getpid())
	lock.Close()

	s := &Store{
		data:   make(map[string][]byte),
		dir:    dir,
		logger: logger,
	}
	if err := s.load(); err != nil {
		os.Remove(lockPath)
		return nil, err
	}

	logger.Debug().Str("path", dir).Int("keys", len(s.data)).Msg("Snapshot state store opened")
	return s, nil
}

// load rebuilds the full key index from the snapshot file. Pending keys are
// re-derived from item fields, so iteration order after a reload matches
// what the primary backend would produce for the same items.
func (s *Store) load() error {
	path := filepath.Join(s.dir, snapshotFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var tag struct {
			Status   string `json:"status"`
			QueuedAt *int64 `json:"queued_at"`
		}
		if err := json.Unmarshal(line, &tag); err != nil {
			return fmt.Errorf("snapshot line %d: %w", lineNo, err)
		}
		var item models.CrawlItem
		if err := json.Unmarshal(line, &item); err != nil {
			return fmt.Errorf("snapshot line %d: %w", lineNo, err)
		}

		body, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("snapshot line %d: %w", lineNo, err)
		}
		id := []byte(item.ID)
		s.data[models.ItemKey(item.ID)] = body
		s.data[models.SeenKey(item.Fingerprint())] = id

		switch tag.Status {
		case statusPending:
			// The queue-entry time diverges from CreatedAt after a requeue;
			// snapshots from before the field existed fall back to CreatedAt.
			queuedAt := item.CreatedAt
			if tag.QueuedAt != nil {
				queuedAt = time.UnixMicro(*tag.QueuedAt).UTC()
			}
			s.data[models.QueueKey(item.Priority, queuedAt, item.ID)] = id
		case statusProcessing:
			s.data[models.ProcessingKey(item.ID)] = id
		case statusCompleted:
			s.data[models.CompletedKey(item.ID)] = id
		case statusFailed:
			s.data[models.FailedKey(item.ID)] = id
		default:
			return fmt.Errorf("snapshot line %d: unknown status %q", lineNo, tag.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return nil
}

// persistLocked rewrites the snapshot from the current index: one line per
// item, full wire fields plus the status tag of the region holding it and,
// for pending items, the queue-entry time taken from the pending key itself.
// Callers must hold s.mu.
func (s *Store) persistLocked() error {
	itemKeys := make([]string, 0)
	queuedAt := make(map[string]int64)
	for key := range s.data {
		if strings.HasPrefix(key, interfaces.PrefixItem) {
			itemKeys = append(itemKeys, key)
			continue
		}
		if strings.HasPrefix(key, interfaces.PrefixPending) {
			if _, ts, id, err := models.ParseQueueKey(key); err == nil {
				queuedAt[id] = ts.UnixMicro()
			}
		}
	}
	sort.Strings(itemKeys)

	var buf bytes.Buffer
	for _, key := range itemKeys {
		id := strings.TrimPrefix(key, interfaces.PrefixItem)

		status := statusPending
		if _, ok := s.data[models.ProcessingKey(id)]; ok {
			status = statusProcessing
		} else if _, ok := s.data[models.CompletedKey(id)]; ok {
			status = statusCompleted
		} else if _, ok := s.data[models.FailedKey(id)]; ok {
			status = statusFailed
		}

		var fields map[string]any
		if err := json.Unmarshal(s.data[key], &fields); err != nil {
			return fmt.Errorf("failed to decode item body %s: %w", id, err)
		}
		fields["status"] = status
		if status == statusPending {
			if ts, ok := queuedAt[id]; ok {
				fields["queued_at"] = ts
			}
		}

		line, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot record %s: %w", id, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(s.dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, snapshotFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Get returns the value for key, or interfaces.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put writes a single key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	batch := &interfaces.Batch{}
	batch.Put(key, value)
	return s.ApplyBatch(ctx, batch)
}

// Delete removes a single key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, existed := s.data[key]
	if !existed {
		return nil
	}
	delete(s.data, key)
	if err := s.persistLocked(); err != nil {
		s.data[key] = old
		return err
	}
	return nil
}

// ApplyBatch applies all operations under one lock and one snapshot
// rewrite. Guard failures return interfaces.ErrConflict before any change;
// a snapshot write failure rolls the index back so state matches the file.
func (s *Store) ApplyBatch(ctx context.Context, batch *interfaces.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range batch.Ops {
		_, exists := s.data[op.Key]
		switch op.Type {
		case interfaces.BatchInsert:
			if exists {
				return interfaces.ErrConflict
			}
		case interfaces.BatchDelete:
			if !exists {
				return interfaces.ErrConflict
			}
		}
	}

	type undo struct {
		key     string
		value   []byte
		existed bool
	}
	undos := make([]undo, 0, len(batch.Ops))
	for _, op := range batch.Ops {
		old, existed := s.data[op.Key]
		undos = append(undos, undo{key: op.Key, value: old, existed: existed})
		switch op.Type {
		case interfaces.BatchPut, interfaces.BatchInsert:
			value := make([]byte, len(op.Value))
			copy(value, op.Value)
			s.data[op.Key] = value
		case interfaces.BatchDelete:
			delete(s.data, op.Key)
		default:
			for i := len(undos) - 1; i >= 0; i-- {
				s.restore(undos[i].key, undos[i].value, undos[i].existed)
			}
			return fmt.Errorf("unknown batch op type %d", op.Type)
		}
	}

	if err := s.persistLocked(); err != nil {
		for i := len(undos) - 1; i >= 0; i-- {
			s.restore(undos[i].key, undos[i].value, undos[i].existed)
		}
		return fmt.Errorf("failed to apply batch of %d ops: %w", batch.Len(), err)
	}
	return nil
}

func (s *Store) restore(key string, value []byte, existed bool) {
	if existed {
		s.data[key] = value
	} else {
		delete(s.data, key)
	}
}

// IteratePrefix scans matching keys in ascending byte order. The matching
// pairs are copied out under the lock, then fn runs unlocked so it may call
// back into the store.
func (s *Store) IteratePrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	s.mu.Lock()
	keys := make([]string, 0)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	pairs := make([][]byte, len(keys))
	for i, key := range keys {
		value := s.data[key]
		pairs[i] = make([]byte, len(value))
		copy(pairs[i], value)
	}
	s.mu.Unlock()

	for i, key := range keys {
		if !fn(key, pairs[i]) {
			return nil
		}
	}
	return nil
}

// Clear removes every key and truncates the snapshot.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.data
	s.data = make(map[string][]byte)
	if err := s.persistLocked(); err != nil {
		s.data = old
		return err
	}
	s.logger.Info().Str("path", s.dir).Msg("State store cleared")
	return nil
}

// Close releases the directory lock. The snapshot is already current
// because every mutation rewrites it.
func (s *Store) Close() error {
	return os.Remove(filepath.Join(s.dir, lockFile))
}
