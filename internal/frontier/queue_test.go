package frontier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/interfaces"
	"github.com/tracefield/frontier/internal/models"
	badgerstore "github.com/tracefield/frontier/internal/storage/badger"
	memorystore "github.com/tracefield/frontier/internal/storage/memory"
)

func openStore(t *testing.T, backend, dir string) interfaces.StateStore {
	t.Helper()
	logger := arbor.NewLogger()
	switch backend {
	case "badger":
		store, err := badgerstore.New(dir, logger)
		require.NoError(t, err)
		return store
	case "memory":
		store, err := memorystore.New(dir, logger)
		require.NoError(t, err)
		return store
	default:
		t.Fatalf("unknown backend %q", backend)
		return nil
	}
}

func newTestQueue(t *testing.T, backend string) *Queue {
	t.Helper()
	store := openStore(t, backend, t.TempDir())
	q := New(store, arbor.NewLogger())
	t.Cleanup(func() { q.Close() })
	return q
}

// forEachBackend runs fn against both state-store backends; their external
// behavior must be identical.
func forEachBackend(t *testing.T, fn func(t *testing.T, q *Queue)) {
	for _, backend := range []string{"badger", "memory"} {
		t.Run(backend, func(t *testing.T) {
			fn(t, newTestQueue(t, backend))
		})
	}
}

func mustPush(t *testing.T, q *Queue, item *models.CrawlItem) {
	t.Helper()
	ok, err := q.Push(context.Background(), item, true)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPopPriorityOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		// Push order HIGH, CRITICAL, NORMAL must not survive into pop order.
		mustPush(t, q, models.NewURLItem("https://example.com/h", "web", models.PriorityHigh))
		mustPush(t, q, models.NewURLItem("https://example.com/c", "web", models.PriorityCritical))
		mustPush(t, q, models.NewURLItem("https://example.com/n", "web", models.PriorityNormal))

		var got []models.Priority
		for range 3 {
			item, err := q.Pop(ctx)
			require.NoError(t, err)
			got = append(got, item.Priority)
		}
		assert.Equal(t, []models.Priority{models.PriorityCritical, models.PriorityHigh, models.PriorityNormal}, got)

		_, err := q.Pop(ctx)
		assert.ErrorIs(t, err, ErrEmpty)
	})
}

func TestPopFIFOWithinTier(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		base := time.Now().UTC()

		first := models.NewURLItem("https://example.com/a", "web", models.PriorityNormal)
		first.CreatedAt = base
		second := models.NewURLItem("https://example.com/b", "web", models.PriorityNormal)
		second.CreatedAt = base.Add(time.Millisecond)

		// Push newest first; age must still win within the tier.
		mustPush(t, q, second)
		mustPush(t, q, first)

		item, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID, item.ID)
		item, err = q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.ID, item.ID)
	})
}

func TestDuplicatePush(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		ok, err := q.Push(ctx, models.NewURLItem("https://x", "a", models.PriorityNormal), true)
		require.NoError(t, err)
		assert.True(t, ok)

		// Same target and adapter at a different priority is still the same work.
		ok, err = q.Push(ctx, models.NewURLItem("https://x", "a", models.PriorityCritical), true)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PendingItems)
		assert.Equal(t, 1, stats.SeenFingerprints)
	})
}

func TestCompleteOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		mustPush(t, q, models.NewURLItem("https://example.com", "web", models.PriorityNormal))

		item, err := q.Pop(ctx)
		require.NoError(t, err)

		ok, err := q.Complete(ctx, item.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		// Double-complete is an expected race, reported as false not error.
		ok, err = q.Complete(ctx, item.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		// Completing an id that was never popped is a no-op too.
		ok, err = q.Complete(ctx, "never-popped")
		require.NoError(t, err)
		assert.False(t, ok)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.CompletedItems)
	})
}

func TestFailRetriesExhaust(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		item := models.NewURLItem("https://flaky.example.com", "web", models.PriorityNormal)
		item.MaxRetries = 2
		mustPush(t, q, item)

		// pop -> fail requeues with one retry recorded and a demoted tier.
		popped, err := q.Pop(ctx)
		require.NoError(t, err)
		ok, err := q.Fail(ctx, popped.ID, true)
		require.NoError(t, err)
		require.True(t, ok)

		popped, err = q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, item.ID, popped.ID)
		assert.Equal(t, 1, popped.RetryCount)
		assert.Equal(t, models.PriorityLow, popped.Priority)

		// Second fail exhausts max_retries and lands in failed.
		ok, err = q.Fail(ctx, popped.ID, true)
		require.NoError(t, err)
		require.True(t, ok)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FailedItems)
		assert.Equal(t, 0, stats.PendingItems)
		assert.Equal(t, 0, stats.ProcessingItems)

		final, err := q.loadItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, final.RetryCount)

		_, err = q.Pop(ctx)
		assert.ErrorIs(t, err, ErrEmpty)

		// Failing again after the terminal move is a no-op.
		ok, err = q.Fail(ctx, item.ID, true)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRequeueOrdersBehindFresherWork(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Minute)

		flaky := models.NewURLItem("https://example.com/flaky", "web", models.PriorityBackground)
		flaky.CreatedAt = base
		mustPush(t, q, flaky)

		popped, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, flaky.ID, popped.ID)

		// Fresh work arrives while the first attempt is in flight.
		fresh := models.NewURLItem("https://example.com/fresh", "web", models.PriorityBackground)
		fresh.CreatedAt = base.Add(time.Second)
		mustPush(t, q, fresh)

		ok, err := q.Fail(ctx, flaky.ID, true)
		require.NoError(t, err)
		require.True(t, ok)

		// The requeued item re-enters its tier at requeue time, not at its
		// original age, so it cannot starve the fresher item.
		next, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, next.ID)

		next, err = q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, flaky.ID, next.ID)
	})
}

func TestNewDefaultsLogger(t *testing.T) {
	q := New(openStore(t, "memory", t.TempDir()), nil)
	t.Cleanup(func() { q.Close() })

	mustPush(t, q, models.NewURLItem("https://example.com", "web", models.PriorityNormal))
	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func TestDemotionFloor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		item := models.NewURLItem("https://example.com", "web", models.PriorityBackground)
		item.MaxRetries = 4
		mustPush(t, q, item)

		// Demotion never increases precedence and background never leaves
		// background.
		for range 3 {
			popped, err := q.Pop(ctx)
			require.NoError(t, err)
			assert.Equal(t, models.PriorityBackground, popped.Priority)
			ok, err := q.Fail(ctx, popped.ID, true)
			require.NoError(t, err)
			require.True(t, ok)
		}
	})
}

func TestFailWithoutRequeue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		mustPush(t, q, models.NewURLItem("https://example.com", "web", models.PriorityNormal))

		item, err := q.Pop(ctx)
		require.NoError(t, err)

		ok, err := q.Fail(ctx, item.ID, false)
		require.NoError(t, err)
		assert.True(t, ok)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FailedItems)
		_, err = q.Pop(ctx)
		assert.ErrorIs(t, err, ErrEmpty)
	})
}

func TestRecoverStalled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		mustPush(t, q, models.NewURLItem("https://example.com", "web", models.PriorityHigh))

		popped, err := q.Pop(ctx)
		require.NoError(t, err)

		// Fresh lease: a generous timeout recovers nothing.
		n, err := q.RecoverStalled(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		// Expired lease: the sweep applies the exact fail logic, so the item
		// comes back pending with a retry recorded and a demoted tier.
		time.Sleep(10 * time.Millisecond)
		n, err = q.RecoverStalled(ctx, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		recovered, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, popped.ID, recovered.ID)
		assert.Equal(t, 1, recovered.RetryCount)
		assert.Equal(t, models.PriorityNormal, recovered.Priority)
	})
}

func TestRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		subject := "11111111-2222-3333-4444-555555555555"
		hypothesis := "subject lived in Franklin County 1998-2004"
		item := models.NewQueryItem(map[string]any{"name": "j smith", "county": "franklin"}, "county-records", models.PriorityHigh)
		item.SubjectID = &subject
		item.Hypothesis = &hypothesis

		mustPush(t, q, item)
		popped, err := q.Pop(ctx)
		require.NoError(t, err)

		assert.Equal(t, item.ID, popped.ID)
		assert.Equal(t, item.Target, popped.Target)
		assert.Equal(t, item.AdapterID, popped.AdapterID)
		require.NotNil(t, popped.SubjectID)
		assert.Equal(t, subject, *popped.SubjectID)
		require.NotNil(t, popped.Hypothesis)
		assert.Equal(t, hypothesis, *popped.Hypothesis)
		require.NotNil(t, popped.LeasedAt)
	})
}

func TestOrphanSelfHeal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		// A pending key with no item body is the residue of a partial crash.
		// Plant one at the front of the queue.
		orphan := &interfaces.Batch{}
		orphan.Put(models.QueueKey(models.PriorityCritical, time.Now().UTC(), "ghost"), []byte("ghost"))
		require.NoError(t, q.store.ApplyBatch(ctx, orphan))

		real := models.NewURLItem("https://example.com", "web", models.PriorityNormal)
		mustPush(t, q, real)

		// Pop repairs the orphan silently and returns the real item.
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, real.ID, item.ID)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestPushMany(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		mustPush(t, q, models.NewURLItem("https://dup.example.com", "web", models.PriorityNormal))

		items := []*models.CrawlItem{
			models.NewURLItem("https://a.example.com", "web", models.PriorityNormal),
			models.NewURLItem("https://dup.example.com", "web", models.PriorityHigh), // already seen
			models.NewURLItem("https://b.example.com", "web", models.PriorityNormal),
			models.NewURLItem("https://b.example.com", "web", models.PriorityNormal), // duplicate within the slice
		}

		count, err := q.PushMany(ctx, items, true)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestPeekReadOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		mustPush(t, q, models.NewURLItem("https://example.com/1", "web", models.PriorityCritical))
		mustPush(t, q, models.NewURLItem("https://example.com/2", "web", models.PriorityNormal))

		items, err := q.Peek(ctx, 5)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, models.PriorityCritical, items[0].Priority)

		// No state transition: everything is still pending and poppable.
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		items, err = q.Peek(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestStatsBreakdown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		mustPush(t, q, models.NewURLItem("https://example.com/1", "web", models.PriorityCritical))
		mustPush(t, q, models.NewURLItem("https://example.com/2", "web", models.PriorityNormal))
		mustPush(t, q, models.NewQueryItem(map[string]any{"name": "smith"}, "county-records", models.PriorityNormal))

		item, err := q.Pop(ctx)
		require.NoError(t, err)
		_, err = q.Complete(ctx, item.ID)
		require.NoError(t, err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.PendingItems)
		assert.Equal(t, 0, stats.ProcessingItems)
		assert.Equal(t, 1, stats.CompletedItems)
		assert.Equal(t, 3, stats.SeenFingerprints)
		assert.Equal(t, map[string]int{"normal": 2}, stats.PendingByPriority)
		assert.Equal(t, map[string]int{"web": 1, "county-records": 1}, stats.PendingByAdapter)
	})
}

func TestIsDuplicateAndClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()

		item := models.NewURLItem("https://example.com", "web", models.PriorityNormal)
		dup, err := q.IsDuplicate(ctx, item)
		require.NoError(t, err)
		assert.False(t, dup)

		mustPush(t, q, item)
		dup, err = q.IsDuplicate(ctx, item)
		require.NoError(t, err)
		assert.True(t, dup)

		// Clear is the one operation that forgets fingerprints.
		require.NoError(t, q.Clear(ctx))
		dup, err = q.IsDuplicate(ctx, item)
		require.NoError(t, err)
		assert.False(t, dup)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestDurabilityAcrossReopen(t *testing.T) {
	for _, backend := range []string{"badger", "memory"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			logger := arbor.NewLogger()

			q := New(openStore(t, backend, dir), logger)
			mustPush(t, q, models.NewURLItem("https://example.com/h", "web", models.PriorityHigh))
			mustPush(t, q, models.NewURLItem("https://example.com/c", "web", models.PriorityCritical))
			inflight, err := q.Pop(ctx)
			require.NoError(t, err)
			require.Equal(t, models.PriorityCritical, inflight.Priority)
			require.NoError(t, q.Close())

			// Reopen against the same directory: pending items remain pending,
			// the in-flight item remains processing, dedup history survives.
			q = New(openStore(t, backend, dir), logger)
			defer q.Close()

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.PendingItems)
			assert.Equal(t, 1, stats.ProcessingItems)
			assert.Equal(t, 2, stats.SeenFingerprints)

			ok, err := q.Push(ctx, models.NewURLItem("https://example.com/h", "web", models.PriorityNormal), true)
			require.NoError(t, err)
			assert.False(t, ok, "dedup history must survive restart")

			item, err := q.Pop(ctx)
			require.NoError(t, err)
			assert.Equal(t, models.PriorityHigh, item.Priority)
		})
	}
}

func TestConcurrentPopNoDoubleDelivery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue) {
		ctx := context.Background()
		const total = 40

		items := make([]*models.CrawlItem, 0, total)
		for i := 0; i < total; i++ {
			items = append(items, models.NewURLItem(fmt.Sprintf("https://example.com/%d", i), "web", models.PriorityNormal))
		}
		count, err := q.PushMany(ctx, items, true)
		require.NoError(t, err)
		require.Equal(t, total, count)

		var mu sync.Mutex
		popped := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					item, err := q.Pop(ctx)
					if err != nil {
						return // ErrEmpty drains the worker
					}
					mu.Lock()
					popped[item.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, popped, total)
		for id, n := range popped {
			assert.Equal(t, 1, n, "item %s delivered more than once", id)
		}
	})
}
