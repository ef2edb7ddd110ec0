package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/iglood/internal/models"
)

func newItem(fp string, p models.Priority, age time.Duration) *Item {
	return &Item{
		Request: &models.Request{
			ID:         fp,
			Operation:  models.OpSignEvent,
			CallingApp: "com.example.app",
		},
		Fingerprint: fp,
		Priority:    p,
		EnqueuedAt:  time.Now().Add(-age),
	}
}

// collector gathers flushed batches.
type collector struct {
	mu      sync.Mutex
	batches [][]*Item
}

func (c *collector) flush(items []*Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, items)
}

func (c *collector) all() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Item
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func newTestQueue(cfg Config, c *collector) *Queue {
	return New(cfg, c.flush, nil, nil)
}

func TestEnqueue_DuplicateFingerprint(t *testing.T) {
	q := newTestQueue(DefaultConfig(), &collector{})

	if !q.Enqueue(newItem("fp1", models.PriorityNormal, 0)) {
		t.Fatal("First enqueue should succeed")
	}
	if q.Enqueue(newItem("fp1", models.PriorityNormal, 0)) {
		t.Error("Duplicate fingerprint should be dropped, not duplicated")
	}
	if q.Depth() != 1 {
		t.Errorf("Expected depth 1, got %d", q.Depth())
	}
}

func TestEnqueue_TooOld(t *testing.T) {
	q := newTestQueue(DefaultConfig(), &collector{})

	if q.Enqueue(newItem("old", models.PriorityNormal, 2*time.Hour)) {
		t.Error("Item past max age should be rejected")
	}
}

func TestEnqueue_CapacityEvictsOldestLow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDepth = 3
	q := newTestQueue(cfg, &collector{})

	q.Enqueue(newItem("low-old", models.PriorityLow, 30*time.Minute))
	q.Enqueue(newItem("low-new", models.PriorityLow, time.Minute))
	q.Enqueue(newItem("normal", models.PriorityNormal, 0))

	if !q.Enqueue(newItem("incoming", models.PriorityNormal, 0)) {
		t.Fatal("Enqueue at capacity should evict the oldest LOW item")
	}
	if q.Depth() != 3 {
		t.Errorf("Expected depth 3 after eviction, got %d", q.Depth())
	}

	// The evicted fingerprint is admissible again.
	if !q.Enqueue(newItem("low-old", models.PriorityLow, 0)) {
		t.Error("Evicted fingerprint should be enqueueable again")
	}
}

func TestEnqueue_CapacityRejectsWithoutLow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	q := newTestQueue(cfg, &collector{})

	q.Enqueue(newItem("n1", models.PriorityNormal, 0))
	q.Enqueue(newItem("n2", models.PriorityHigh, 0))

	if q.Enqueue(newItem("n3", models.PriorityNormal, 0)) {
		t.Error("Full queue with no LOW items should reject the new item")
	}
}

func TestCollect_HighFlushesImmediatelyAndPiggybacks(t *testing.T) {
	c := &collector{}
	q := newTestQueue(DefaultConfig(), c)
	q.lastFlush[models.PriorityHigh] = time.Now()
	q.lastFlush[models.PriorityNormal] = time.Now()
	q.lastFlush[models.PriorityLow] = time.Now()

	q.Enqueue(newItem("low", models.PriorityLow, 0))
	q.Enqueue(newItem("normal", models.PriorityNormal, 0))
	q.Enqueue(newItem("high", models.PriorityHigh, 0))

	q.Flush()

	got := c.all()
	if len(got) != 3 {
		t.Fatalf("Expected all 3 items in one piggy-backed flush, got %d", len(got))
	}
	if got[0].Fingerprint != "high" || got[1].Fingerprint != "normal" || got[2].Fingerprint != "low" {
		t.Errorf("Expected priority-descending order, got %s %s %s",
			got[0].Fingerprint, got[1].Fingerprint, got[2].Fingerprint)
	}
	if q.Depth() != 0 {
		t.Errorf("Expected empty queue after flush, got depth %d", q.Depth())
	}
}

func TestCollect_NormalWaitsForWindow(t *testing.T) {
	c := &collector{}
	q := newTestQueue(DefaultConfig(), c)
	now := time.Now()
	q.lastFlush[models.PriorityNormal] = now
	q.lastFlush[models.PriorityLow] = now

	q.Enqueue(newItem("normal", models.PriorityNormal, 0))
	q.Flush()

	if len(c.all()) != 0 {
		t.Fatal("NORMAL should not flush inside its batch window")
	}

	// Simulate the window elapsing.
	q.mu.Lock()
	q.lastFlush[models.PriorityNormal] = now.Add(-11 * time.Second)
	q.mu.Unlock()
	q.Flush()

	if len(c.all()) != 1 {
		t.Errorf("NORMAL should flush once its window elapsed, got %d items", len(c.all()))
	}
}

func TestCollect_NormalFlushCarriesLow(t *testing.T) {
	c := &collector{}
	q := newTestQueue(DefaultConfig(), c)
	now := time.Now()
	q.lastFlush[models.PriorityNormal] = now.Add(-11 * time.Second)
	// LOW's own window has not elapsed.
	q.lastFlush[models.PriorityLow] = now

	q.Enqueue(newItem("normal", models.PriorityNormal, 0))
	q.Enqueue(newItem("low", models.PriorityLow, 0))
	q.Flush()

	got := c.all()
	if len(got) != 2 {
		t.Fatalf("LOW should piggy-back on the NORMAL flush, got %d items", len(got))
	}
}

func TestCollect_ArrivalOrderWithinPriority(t *testing.T) {
	c := &collector{}
	q := newTestQueue(DefaultConfig(), c)

	q.Enqueue(newItem("h-older", models.PriorityHigh, time.Minute))
	q.Enqueue(newItem("h-newer", models.PriorityHigh, time.Second))
	q.Flush()

	got := c.all()
	if len(got) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(got))
	}
	if got[0].Fingerprint != "h-older" {
		t.Errorf("Expected arrival-ascending order within a tier, got %s first", got[0].Fingerprint)
	}
}

func TestCollect_BatchCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatch = 5
	c := &collector{}
	q := newTestQueue(cfg, c)

	for i := 0; i < 8; i++ {
		q.Enqueue(newItem(fmt.Sprintf("h%d", i), models.PriorityHigh, 0))
	}
	q.Flush()

	if len(c.batches) != 1 || len(c.batches[0]) != 5 {
		t.Fatalf("Expected one batch of 5, got %d batches", len(c.batches))
	}
	if q.Depth() != 3 {
		t.Errorf("Expected 3 items left for the next tick, got %d", q.Depth())
	}

	q.Flush()
	if len(c.all()) != 8 {
		t.Errorf("Expected remaining items on the next flush, total %d", len(c.all()))
	}
}

func TestCollect_DropsExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = 50 * time.Millisecond
	c := &collector{}
	q := newTestQueue(cfg, c)

	q.Enqueue(newItem("fresh", models.PriorityHigh, 0))
	q.mu.Lock()
	q.items = append(q.items, &Item{
		Request:     &models.Request{ID: "stale"},
		Fingerprint: "stale",
		Priority:    models.PriorityHigh,
		EnqueuedAt:  time.Now().Add(-time.Minute),
	})
	q.queued["stale"] = struct{}{}
	q.mu.Unlock()

	q.Flush()

	got := c.all()
	if len(got) != 1 || got[0].Fingerprint != "fresh" {
		t.Errorf("Expired items should be dropped, not delivered; got %d items", len(got))
	}
}

// recordingSweeper counts cleanup passes.
type recordingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingSweeper) Sweep(time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0
}

func (r *recordingSweeper) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestLoop_CleanupPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 5 * time.Millisecond
	cfg.CleanupEvery = 10 * time.Millisecond
	sweeper := &recordingSweeper{}
	q := New(cfg, func([]*Item) {}, sweeper, nil)

	q.Start()
	time.Sleep(60 * time.Millisecond)
	q.Stop()

	if sweeper.count() == 0 {
		t.Error("Expected at least one cleanup pass")
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	q := newTestQueue(DefaultConfig(), &collector{})

	// Stop before start must not panic or hang.
	q.Stop()

	q2 := newTestQueue(DefaultConfig(), &collector{})
	q2.Start()
	q2.Start()
	q2.Stop()
	q2.Stop()
}
