// Package frontier implements the crawl-frontier queue: a persistent,
// priority-ordered task queue with fingerprint dedup, crash recovery of
// in-flight work, and strict priority-then-FIFO pop order. The queue does
// no scheduling of its own; it is a synchronous façade safe to call from
// any number of workers, with the state store's atomic batch as the sole
// concurrency-control mechanism.
package frontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/common"
	"github.com/tracefield/frontier/internal/interfaces"
	"github.com/tracefield/frontier/internal/models"
	"github.com/tracefield/frontier/internal/storage"
)

// ErrEmpty is returned by Pop when no pending items exist.
var ErrEmpty = errors.New("frontier queue is empty")

// pushManyMaxRetries bounds re-filtering when concurrent overlapping
// PushMany calls conflict on shared fingerprints.
const pushManyMaxRetries = 5

// Queue is the frontier queue façade over a StateStore.
type Queue struct {
	store  interfaces.StateStore
	logger arbor.ILogger
}

// New wraps an already-open state store. A nil logger falls back to the
// process-wide default.
func New(store interfaces.StateStore, logger arbor.ILogger) *Queue {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Queue{
		store:  store,
		logger: logger,
	}
}

// Open constructs a queue over the configured backend.
func Open(cfg *common.Config, logger arbor.ILogger) (*Queue, error) {
	store, err := storage.New(&cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	return New(store, logger), nil
}

// Push enqueues one item. With checkDuplicate, an item whose fingerprint is
// already in the seen set is dropped and false returned with no state
// change. Otherwise the seen entry, item body and pending key are written
// in one atomic batch and true returned.
func (q *Queue) Push(ctx context.Context, item *models.CrawlItem, checkDuplicate bool) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}

	fingerprint := item.Fingerprint()
	if checkDuplicate {
		dup, err := q.seen(ctx, fingerprint)
		if err != nil {
			return false, err
		}
		if dup {
			q.logger.Trace().Str("item_id", item.ID).Str("fingerprint", fingerprint).Msg("Duplicate push dropped")
			return false, nil
		}
	}

	body, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
	}

	batch := &interfaces.Batch{}
	if checkDuplicate {
		// Insert-guarded so two concurrent pushes of the same work cannot
		// both land: the loser's batch conflicts and is reported duplicate.
		batch.Insert(models.SeenKey(fingerprint), []byte(item.ID))
	} else {
		batch.Put(models.SeenKey(fingerprint), []byte(item.ID))
	}
	batch.Put(models.ItemKey(item.ID), body)
	batch.Put(models.QueueKey(item.Priority, item.CreatedAt, item.ID), []byte(item.ID))

	if err := q.store.ApplyBatch(ctx, batch); err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	q.logger.Trace().
		Str("item_id", item.ID).
		Str("adapter_id", item.AdapterID).
		Str("priority", item.Priority.String()).
		Msg("Item pushed")
	return true, nil
}

// PushMany enqueues a slice of items in one atomic batch and returns the
// post-dedup insert count. Overlap with a concurrent PushMany surfaces as a
// batch conflict; the losing call re-filters against the fresh seen set and
// retries, so each fingerprint still lands exactly once.
func (q *Queue) PushMany(ctx context.Context, items []*models.CrawlItem, checkDuplicate bool) (int, error) {
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return 0, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < pushManyMaxRetries; attempt++ {
		batch := &interfaces.Batch{}
		count := 0
		seenInBatch := make(map[string]bool)

		for _, item := range items {
			fingerprint := item.Fingerprint()
			if seenInBatch[fingerprint] {
				continue
			}
			if checkDuplicate {
				dup, err := q.seen(ctx, fingerprint)
				if err != nil {
					return 0, err
				}
				if dup {
					continue
				}
				batch.Insert(models.SeenKey(fingerprint), []byte(item.ID))
			} else {
				batch.Put(models.SeenKey(fingerprint), []byte(item.ID))
			}
			seenInBatch[fingerprint] = true

			body, err := json.Marshal(item)
			if err != nil {
				return 0, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
			}
			batch.Put(models.ItemKey(item.ID), body)
			batch.Put(models.QueueKey(item.Priority, item.CreatedAt, item.ID), []byte(item.ID))
			count++
		}

		if count == 0 {
			return 0, nil
		}
		err := q.store.ApplyBatch(ctx, batch)
		if err == nil {
			q.logger.Debug().Int("count", count).Int("submitted", len(items)).Msg("Batch pushed")
			return count, nil
		}
		if !errors.Is(err, interfaces.ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("push batch kept conflicting after %d attempts: %w", pushManyMaxRetries, lastErr)
}

// Pop atomically moves the highest-precedence pending item to processing
// and returns it, or ErrEmpty. A pending key whose item body is missing is
// an orphan from a partial crash: it is deleted and the scan continues,
// never surfaced as an error. Losing the pending-key delete race to a
// concurrent popper restarts the scan against the next candidate.
func (q *Queue) Pop(ctx context.Context) (*models.CrawlItem, error) {
	for {
		var queueKey string
		err := q.store.IteratePrefix(ctx, models.QueueKeyPrefix(), func(key string, _ []byte) bool {
			queueKey = key
			return false
		})
		if err != nil {
			return nil, err
		}
		if queueKey == "" {
			return nil, ErrEmpty
		}

		_, _, itemID, err := models.ParseQueueKey(queueKey)
		if err != nil {
			return nil, err
		}

		item, err := q.loadItem(ctx, itemID)
		if errors.Is(err, interfaces.ErrNotFound) {
			// Self-heal: drop the orphaned pending key and keep scanning.
			// A conflict just means another popper already repaired it.
			q.logger.Warn().Str("item_id", itemID).Str("key", queueKey).Msg("Repairing orphaned pending key")
			repair := &interfaces.Batch{}
			repair.Delete(queueKey)
			if err := q.store.ApplyBatch(ctx, repair); err != nil && !errors.Is(err, interfaces.ErrConflict) {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		item.LeasedAt = &now
		body, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %s: %w", itemID, err)
		}

		batch := &interfaces.Batch{}
		batch.Delete(queueKey)
		batch.Put(models.ProcessingKey(itemID), []byte(itemID))
		batch.Put(models.ItemKey(itemID), body)

		err = q.store.ApplyBatch(ctx, batch)
		if errors.Is(err, interfaces.ErrConflict) {
			// Another worker committed first for this key; retry the scan.
			continue
		}
		if err != nil {
			return nil, err
		}

		q.logger.Trace().
			Str("item_id", itemID).
			Str("priority", item.Priority.String()).
			Msg("Item popped")
		return item, nil
	}
}

// Peek returns up to count pending items in pop order without any state
// transition and without touching the seen set.
func (q *Queue) Peek(ctx context.Context, count int) ([]*models.CrawlItem, error) {
	if count <= 0 {
		return nil, nil
	}
	ids := make([]string, 0, count)
	err := q.store.IteratePrefix(ctx, models.QueueKeyPrefix(), func(key string, _ []byte) bool {
		if _, _, id, err := models.ParseQueueKey(key); err == nil {
			ids = append(ids, id)
		}
		return len(ids) < count
	})
	if err != nil {
		return nil, err
	}

	items := make([]*models.CrawlItem, 0, len(ids))
	for _, id := range ids {
		item, err := q.loadItem(ctx, id)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue // orphan; repaired by the next Pop, never by a reader
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Complete moves a processing item to completed. Returns false when no
// processing record exists (double-complete, never-popped id, or a
// supervisor sweep got there first) — an expected race, not an error.
func (q *Queue) Complete(ctx context.Context, itemID string) (bool, error) {
	batch := &interfaces.Batch{}
	batch.Delete(models.ProcessingKey(itemID))
	batch.Put(models.CompletedKey(itemID), []byte(itemID))

	err := q.store.ApplyBatch(ctx, batch)
	if errors.Is(err, interfaces.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.logger.Trace().Str("item_id", itemID).Msg("Item completed")
	return true, nil
}

// Fail records a failed attempt for a processing item. With requeue and
// retries remaining the item is demoted one tier and re-inserted pending;
// otherwise it moves permanently to failed. Returns false when the item is
// not in processing.
func (q *Queue) Fail(ctx context.Context, itemID string, requeue bool) (bool, error) {
	if _, err := q.store.Get(ctx, models.ProcessingKey(itemID)); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	item, err := q.loadItem(ctx, itemID)
	if errors.Is(err, interfaces.ErrNotFound) {
		// Processing marker without a body: repair and report not-processing.
		q.logger.Warn().Str("item_id", itemID).Msg("Repairing orphaned processing marker")
		repair := &interfaces.Batch{}
		repair.Delete(models.ProcessingKey(itemID))
		if err := q.store.ApplyBatch(ctx, repair); err != nil && !errors.Is(err, interfaces.ErrConflict) {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return q.failProcessing(ctx, item, requeue)
}

// failProcessing applies the retry state machine to an item known to be in
// processing. Shared verbatim by Fail and RecoverStalled so a stalled item
// is handled exactly like an explicitly failed one.
func (q *Queue) failProcessing(ctx context.Context, item *models.CrawlItem, requeue bool) (bool, error) {
	item.RetryCount++
	item.LeasedAt = nil

	batch := &interfaces.Batch{}
	batch.Delete(models.ProcessingKey(item.ID))

	if requeue && item.RetryCount < item.MaxRetries {
		item.Priority = item.Priority.Demote()
		body, err := json.Marshal(item)
		if err != nil {
			return false, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
		}
		batch.Put(models.ItemKey(item.ID), body)
		// Keyed on requeue time, not CreatedAt: a persistently failing item
		// re-enters its demoted tier behind work that arrived in the meantime.
		batch.Put(models.QueueKey(item.Priority, time.Now().UTC(), item.ID), []byte(item.ID))
	} else {
		body, err := json.Marshal(item)
		if err != nil {
			return false, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
		}
		batch.Put(models.ItemKey(item.ID), body)
		batch.Put(models.FailedKey(item.ID), []byte(item.ID))
	}

	err := q.store.ApplyBatch(ctx, batch)
	if errors.Is(err, interfaces.ErrConflict) {
		// Lost to a concurrent Complete/Fail/recovery of the same item.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if requeue && item.RetryCount < item.MaxRetries {
		q.logger.Debug().
			Str("item_id", item.ID).
			Int("retry_count", item.RetryCount).
			Str("priority", item.Priority.String()).
			Msg("Item requeued after failure")
	} else {
		q.logger.Debug().
			Str("item_id", item.ID).
			Int("retry_count", item.RetryCount).
			Msg("Item moved to failed")
	}
	return true, nil
}

// RecoverStalled runs the fail state machine over every processing item
// whose lease age exceeds timeout, returning how many were recovered. It is
// a coarse sweep for an external supervisor to invoke on a timer; the queue
// never triggers it on its own.
func (q *Queue) RecoverStalled(ctx context.Context, timeout time.Duration) (int, error) {
	ids := make([]string, 0)
	err := q.store.IteratePrefix(ctx, interfaces.PrefixProcessing, func(key string, value []byte) bool {
		ids = append(ids, string(value))
		return true
	})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	recovered := 0
	for _, id := range ids {
		item, err := q.loadItem(ctx, id)
		if errors.Is(err, interfaces.ErrNotFound) {
			q.logger.Warn().Str("item_id", id).Msg("Repairing orphaned processing marker")
			repair := &interfaces.Batch{}
			repair.Delete(models.ProcessingKey(id))
			if err := q.store.ApplyBatch(ctx, repair); err != nil && !errors.Is(err, interfaces.ErrConflict) {
				return recovered, err
			}
			continue
		}
		if err != nil {
			return recovered, err
		}

		// Lease age, not item age: an item that waited long in pending must
		// not look stalled the moment it is popped. Bodies persisted before
		// leases were recorded fall back to CreatedAt.
		leasedAt := item.CreatedAt
		if item.LeasedAt != nil {
			leasedAt = *item.LeasedAt
		}
		if now.Sub(leasedAt) <= timeout {
			continue
		}

		ok, err := q.failProcessing(ctx, item, true)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		q.logger.Info().Int("recovered", recovered).Msg("Recovered stalled items")
	}
	return recovered, nil
}

// IsDuplicate reports whether the item's fingerprint is in the seen set.
// Pure read; no state change.
func (q *Queue) IsDuplicate(ctx context.Context, item *models.CrawlItem) (bool, error) {
	return q.seen(ctx, item.Fingerprint())
}

// Len returns the pending count.
func (q *Queue) Len(ctx context.Context) (int, error) {
	count := 0
	err := q.store.IteratePrefix(ctx, models.QueueKeyPrefix(), func(string, []byte) bool {
		count++
		return true
	})
	return count, err
}

// Stats computes a census of every region by linear scan.
func (q *Queue) Stats(ctx context.Context) (*models.FrontierStats, error) {
	stats := models.NewFrontierStats()

	pendingIDs := make([]string, 0)
	err := q.store.IteratePrefix(ctx, models.QueueKeyPrefix(), func(key string, _ []byte) bool {
		stats.PendingItems++
		if priority, _, id, err := models.ParseQueueKey(key); err == nil {
			stats.PendingByPriority[priority.String()]++
			pendingIDs = append(pendingIDs, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, id := range pendingIDs {
		item, err := q.loadItem(ctx, id)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats.PendingByAdapter[item.AdapterID]++
	}

	counters := []struct {
		prefix string
		target *int
	}{
		{interfaces.PrefixProcessing, &stats.ProcessingItems},
		{interfaces.PrefixCompleted, &stats.CompletedItems},
		{interfaces.PrefixFailed, &stats.FailedItems},
		{interfaces.PrefixSeen, &stats.SeenFingerprints},
	}
	for _, c := range counters {
		if err := q.store.IteratePrefix(ctx, c.prefix, func(string, []byte) bool {
			*c.target++
			return true
		}); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// Clear resets the frontier completely, including the seen set and the
// retained completed/failed audit records.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx)
}

// Close releases the underlying store. Further use is undefined.
func (q *Queue) Close() error {
	return q.store.Close()
}

func (q *Queue) seen(ctx context.Context, fingerprint string) (bool, error) {
	_, err := q.store.Get(ctx, models.SeenKey(fingerprint))
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) loadItem(ctx context.Context, itemID string) (*models.CrawlItem, error) {
	body, err := q.store.Get(ctx, models.ItemKey(itemID))
	if err != nil {
		return nil, err
	}
	var item models.CrawlItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", itemID, err)
	}
	return &item, nil
}
