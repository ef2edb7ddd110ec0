// Package queue implements the priority-batched ingestion buffer between
// request admission and the signing batch client.
//
// Each priority tier accumulates items and flushes when its batch window
// elapses; HIGH flushes immediately, and lower tiers piggy-back onto any
// flush that is happening anyway so the downstream consumer wakes as rarely
// as possible.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/iglood/internal/models"
)

// Item is one admitted request waiting for batch delivery.
type Item struct {
	Request     *models.Request
	Fingerprint string
	Priority    models.Priority
	EnqueuedAt  time.Time
}

// FlushFunc receives one batch, ordered priority-descending then
// arrival-ascending. It is invoked outside the queue's lock.
type FlushFunc func(items []*Item)

// Sweeper is the recent-fingerprint set purged by the cleanup pass.
type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// Config defines the queue parameters.
type Config struct {
	HighWindow   time.Duration `mapstructure:"high_window"`
	NormalWindow time.Duration `mapstructure:"normal_window"`
	LowWindow    time.Duration `mapstructure:"low_window"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxDepth     int           `mapstructure:"max_depth"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	Tick         time.Duration `mapstructure:"tick"`
	CleanupEvery time.Duration `mapstructure:"cleanup_every"`
}

// DefaultConfig returns the default queue parameters.
func DefaultConfig() Config {
	return Config{
		HighWindow:   0,
		NormalWindow: 10 * time.Second,
		LowWindow:    60 * time.Second,
		MaxBatch:     50,
		MaxDepth:     1000,
		MaxAge:       time.Hour,
		Tick:         time.Second,
		CleanupEvery: 5 * time.Minute,
	}
}

// Queue is the priority-batched ingestion buffer.
type Queue struct {
	cfg     Config
	flush   FlushFunc
	sweeper Sweeper
	logger  *slog.Logger

	mu        sync.Mutex
	items     []*Item
	queued    map[string]struct{}
	lastFlush map[models.Priority]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a queue. sweeper may be nil when no fingerprint set needs the
// cleanup pass.
func New(cfg Config, flush FlushFunc, sweeper Sweeper, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		flush:     flush,
		sweeper:   sweeper,
		logger:    logger,
		queued:    make(map[string]struct{}),
		lastFlush: make(map[models.Priority]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the tick/flush loop. Calling Start twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	now := time.Now()
	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		q.lastFlush[p] = now
	}
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop()
	q.logger.Info("ingestion queue started")
}

// Stop halts the loop and waits for it. Safe on an already-stopped or
// never-started queue.
func (q *Queue) Stop() {
	q.mu.Lock()
	wasStarted := q.started && !q.stopped
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	if wasStarted {
		q.wg.Wait()
		q.logger.Info("ingestion queue stopped")
	}
}

// Enqueue admits an item. It returns false when the item's fingerprint is
// already queued, the item is older than the max age, or the queue is full
// and no LOW-priority items can be evicted to make room.
func (q *Queue) Enqueue(item *Item) bool {
	now := time.Now()
	if now.Sub(item.EnqueuedAt) > q.cfg.MaxAge {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.queued[item.Fingerprint]; dup {
		return false
	}

	if len(q.items) >= q.cfg.MaxDepth {
		if !q.evictOldestLowLocked(len(q.items) - q.cfg.MaxDepth + 1) {
			return false
		}
	}

	q.items = append(q.items, item)
	q.queued[item.Fingerprint] = struct{}{}
	return true
}

// evictOldestLowLocked removes up to n LOW-priority items, oldest first.
// Returns false when fewer than n could be evicted.
func (q *Queue) evictOldestLowLocked(n int) bool {
	type candidate struct {
		idx  int
		item *Item
	}
	var lows []candidate
	for i, it := range q.items {
		if it.Priority == models.PriorityLow {
			lows = append(lows, candidate{i, it})
		}
	}
	if len(lows) < n {
		return false
	}

	sort.Slice(lows, func(i, j int) bool {
		return lows[i].item.EnqueuedAt.Before(lows[j].item.EnqueuedAt)
	})

	drop := make(map[int]struct{}, n)
	for _, c := range lows[:n] {
		drop[c.idx] = struct{}{}
		delete(q.queued, c.item.Fingerprint)
	}

	kept := q.items[:0]
	for i, it := range q.items {
		if _, gone := drop[i]; !gone {
			kept = append(kept, it)
		}
	}
	q.items = kept
	q.logger.Debug("evicted low-priority items for capacity", "count", n)
	return true
}

// Depth returns the number of queued items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// loop drives ticks and the periodic fingerprint cleanup pass.
func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	cleanup := time.NewTicker(q.cfg.CleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if batch := q.collect(time.Now()); len(batch) > 0 {
				q.flush(batch)
			}
		case <-cleanup.C:
			if q.sweeper != nil {
				if n := q.sweeper.Sweep(q.cfg.MaxAge); n > 0 {
					q.logger.Debug("swept stale fingerprints", "count", n)
				}
			}
		}
	}
}

// Flush forces an immediate collection of every ready tier. Exposed for the
// pipeline's shutdown drain and for tests.
func (q *Queue) Flush() {
	if batch := q.collect(time.Now()); len(batch) > 0 {
		q.flush(batch)
	}
}

// collect assembles the next batch under the tier-readiness rules and
// removes the collected items from the queue.
func (q *Queue) collect(now time.Time) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropExpiredLocked(now)
	if len(q.items) == 0 {
		return nil
	}

	present := map[models.Priority]bool{}
	for _, it := range q.items {
		present[it.Priority] = true
	}

	ready := map[models.Priority]bool{
		models.PriorityHigh:   present[models.PriorityHigh] && now.Sub(q.lastFlush[models.PriorityHigh]) >= q.cfg.HighWindow,
		models.PriorityNormal: present[models.PriorityNormal] && now.Sub(q.lastFlush[models.PriorityNormal]) >= q.cfg.NormalWindow,
		models.PriorityLow:    present[models.PriorityLow] && now.Sub(q.lastFlush[models.PriorityLow]) >= q.cfg.LowWindow,
	}

	// Piggy-back: a flush triggered by a higher tier carries the lower
	// tiers along instead of waking the consumer again later.
	if ready[models.PriorityHigh] {
		ready[models.PriorityNormal] = ready[models.PriorityNormal] || present[models.PriorityNormal]
		ready[models.PriorityLow] = ready[models.PriorityLow] || present[models.PriorityLow]
	}
	if ready[models.PriorityNormal] {
		ready[models.PriorityLow] = ready[models.PriorityLow] || present[models.PriorityLow]
	}

	if !ready[models.PriorityHigh] && !ready[models.PriorityNormal] && !ready[models.PriorityLow] {
		return nil
	}

	var batch []*Item
	kept := q.items[:0]
	for _, it := range q.items {
		if ready[it.Priority] {
			batch = append(batch, it)
		} else {
			kept = append(kept, it)
		}
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})

	// Cap the batch; overflow stays queued for the next tick.
	if len(batch) > q.cfg.MaxBatch {
		for _, it := range batch[q.cfg.MaxBatch:] {
			kept = append(kept, it)
		}
		batch = batch[:q.cfg.MaxBatch]
	}
	q.items = kept

	flushed := map[models.Priority]bool{}
	for _, it := range batch {
		delete(q.queued, it.Fingerprint)
		flushed[it.Priority] = true
	}
	for p := range flushed {
		q.lastFlush[p] = now
	}

	return batch
}

// dropExpiredLocked discards items older than the max age; they are dropped,
// not delivered.
func (q *Queue) dropExpiredLocked(now time.Time) {
	cutoff := now.Add(-q.cfg.MaxAge)
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if it.EnqueuedAt.Before(cutoff) {
			delete(q.queued, it.Fingerprint)
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	if dropped > 0 {
		q.logger.Debug("dropped expired queue items", "count", dropped)
	}
}
