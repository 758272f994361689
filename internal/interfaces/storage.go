package interfaces

import (
	"context"
	"errors"
)

// Sentinel errors shared by all StateStore backends.
var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by ApplyBatch when a guarded operation lost a
	// race: a Delete on a key that is gone, an Insert on a key that already
	// exists, or the engine detecting a conflicting concurrent transaction.
	// The batch made no changes and the caller may retry against fresh state.
	ErrConflict = errors.New("batch conflict")
)

// Key prefixes partitioning the store into logical regions. Byte-wise
// iteration over PrefixPending doubles as the priority queue, so pending
// keys must sort in processing order.
const (
	PrefixPending    = "q:"
	PrefixProcessing = "proc:"
	PrefixCompleted  = "done:"
	PrefixFailed     = "fail:"
	PrefixItem       = "item:"
	PrefixSeen       = "seen:"
)

// BatchOpType identifies a mutation within a Batch.
type BatchOpType int

const (
	// BatchPut writes the key unconditionally.
	BatchPut BatchOpType = iota
	// BatchInsert writes the key only if it is absent; a present key fails
	// the whole batch with ErrConflict.
	BatchInsert
	// BatchDelete removes the key only if it is present; an absent key fails
	// the whole batch with ErrConflict. This is the ownership guard for
	// pending-to-processing moves under concurrent poppers.
	BatchDelete
)

// BatchOp is a single mutation within a Batch.
type BatchOp struct {
	Type  BatchOpType
	Key   string
	Value []byte
}

// Batch is an ordered set of mutations applied all-or-nothing. Every
// mutating frontier operation routes through one batch so no two mutations
// are ever half-applied relative to each other.
type Batch struct {
	Ops []BatchOp
}

// Put adds an unconditional write to the batch.
func (b *Batch) Put(key string, value []byte) {
	b.Ops = append(b.Ops, BatchOp{Type: BatchPut, Key: key, Value: value})
}

// Insert adds a write that fails the batch if the key already exists.
func (b *Batch) Insert(key string, value []byte) {
	b.Ops = append(b.Ops, BatchOp{Type: BatchInsert, Key: key, Value: value})
}

// Delete adds a removal that fails the batch if the key is absent.
func (b *Batch) Delete(key string) {
	b.Ops = append(b.Ops, BatchOp{Type: BatchDelete, Key: key})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.Ops)
}

// StateStore is the ordered key-value contract behind the frontier queue.
// Two interchangeable backends implement it: the embedded Badger engine and
// the in-memory snapshot-file fallback. Both guarantee ascending byte order
// from IteratePrefix and all-or-nothing ApplyBatch semantics.
type StateStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes a single key unconditionally.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a single key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// ApplyBatch applies all operations atomically, or none of them.
	// Guarded operations (Insert, Delete) that lose a race fail the batch
	// with ErrConflict, leaving state exactly as before the call.
	ApplyBatch(ctx context.Context, batch *Batch) error

	// IteratePrefix calls fn for every key with the given prefix in
	// ascending byte order. fn returning false stops the scan.
	IteratePrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error

	// Clear removes every key from the store.
	Clear(ctx context.Context) error

	// Close releases the store. Further use after Close is undefined.
	Close() error
}
