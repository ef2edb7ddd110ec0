// Package bridge correlates asynchronously-produced results with transports
// that must return synchronously.
//
// A correlation slot is created on first use of a key, written exactly once,
// and read by any number of waiters, each with its own deadline. Waits are
// independent per key; a slow key never delays delivery on another.
package bridge

import (
	"log/slog"
	"sync"
	"time"
)

type slot struct {
	done    chan struct{}
	payload string
	setAt   time.Time
}

// Bridge holds pending correlations keyed by request id or fingerprint.
type Bridge struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates an empty bridge.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger: logger,
		slots:  make(map[string]*slot),
	}
}

func (b *Bridge) slotFor(key string) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[key]
	if !ok {
		s = &slot{done: make(chan struct{})}
		b.slots[key] = s
	}
	return s
}

// WaitForResult blocks until SetResult is called for key or the timeout
// elapses. It returns the payload and true on delivery, or "" and false on
// timeout. A result set before the wait began is observed immediately.
func (b *Bridge) WaitForResult(key string, timeout time.Duration) (string, bool) {
	s := b.slotFor(key)

	// An already-recorded result wins even with zero remaining budget.
	select {
	case <-s.done:
		return s.payload, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.payload, true
	case <-timer.C:
		b.logger.Debug("blocking wait timed out", "key", key, "timeout", timeout)
		return "", false
	}
}

// SetResult resolves the slot for key. The first call wins; later calls for
// the same key are ignored. Setting a result no waiter ever claims is fine;
// Cleanup reclaims the slot.
func (b *Bridge) SetResult(key, payload string) {
	s := b.slotFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.payload = payload
	s.setAt = time.Now()
	close(s.done)
}

// Cleanup removes the slot for key. Waiters already blocked on the slot keep
// their channel and still observe a result set before the cleanup.
func (b *Bridge) Cleanup(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, key)
}

// Sweep removes resolved slots older than maxAge and returns how many were
// dropped. Unresolved slots are kept; their waiters own the deadline.
func (b *Bridge) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for key, s := range b.slots {
		select {
		case <-s.done:
			if s.setAt.Before(cutoff) {
				delete(b.slots, key)
				dropped++
			}
		default:
		}
	}
	return dropped
}

// Pending returns the number of live correlation slots.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
