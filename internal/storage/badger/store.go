// Package badger implements the StateStore contract on dgraph-io/badger,
// the embedded ordered LSM engine. Badger's transaction gives the
// all-or-nothing batch semantics the frontier's state machine relies on,
// and its directory lock enforces single-process ownership of the path.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/interfaces"
)

// Store is the Badger-backed StateStore.
type Store struct {
	db     *badgerdb.DB
	path   string
	logger arbor.ILogger
}

// New opens (creating if missing) a Badger database under dir. Opening a
// directory already held by another process fails fast on Badger's lock
// file rather than corrupting shared state.
func New(dir string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	opts := badgerdb.DefaultOptions(dir).WithLogger(nil) // arbor owns logging

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", dir).Msg("Badger state store opened")

	return &Store{
		db:     db,
		path:   dir,
		logger: logger,
	}, nil
}

// Get returns the value for key, or interfaces.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// Put writes a single key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Delete removes a single key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// ApplyBatch runs every operation inside one Badger transaction. Guard
// failures and Badger's own serializable-conflict detection both surface as
// interfaces.ErrConflict with no state change.
func (s *Store) ApplyBatch(ctx context.Context, batch *interfaces.Batch) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, op := range batch.Ops {
			key := []byte(op.Key)
			switch op.Type {
			case interfaces.BatchPut:
				if err := txn.Set(key, op.Value); err != nil {
					return err
				}
			case interfaces.BatchInsert:
				_, err := txn.Get(key)
				if err == nil {
					return interfaces.ErrConflict
				}
				if !errors.Is(err, badgerdb.ErrKeyNotFound) {
					return err
				}
				if err := txn.Set(key, op.Value); err != nil {
					return err
				}
			case interfaces.BatchDelete:
				if _, err := txn.Get(key); err != nil {
					if errors.Is(err, badgerdb.ErrKeyNotFound) {
						return interfaces.ErrConflict
					}
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown batch op type %d", op.Type)
			}
		}
		return nil
	})
	if errors.Is(err, badgerdb.ErrConflict) {
		return interfaces.ErrConflict
	}
	if errors.Is(err, interfaces.ErrConflict) {
		return interfaces.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to apply batch of %d ops: %w", batch.Len(), err)
	}
	return nil
}

// IteratePrefix scans keys with the prefix in ascending byte order.
func (s *Store) IteratePrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.KeyCopy(nil)), value) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to iterate prefix %q: %w", prefix, err)
	}
	return nil
}

// Clear drops every key. Badger's DropAll is atomic with respect to
// concurrent readers.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	s.logger.Info().Str("path", s.path).Msg("State store cleared")
	return nil
}

// Close flushes and releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
