// Package dedup detects duplicate request submissions.
//
// Callers that retry typically regenerate the request id but resend
// identical content, so fingerprints are derived from the request's logical
// content rather than its id. Large payloads are hashed to bound memory.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/fentz26/iglood/internal/models"
)

// DefaultTTL is how long an admitted fingerprint suppresses duplicates.
const DefaultTTL = time.Hour

// Fingerprint returns the stable dedup key for a request. Two requests with
// the same calling app, operation, and payload content always map to the
// same string; unknown operations get a per-call unique key so they are
// never falsely collapsed.
func Fingerprint(r *models.Request) string {
	prefix := r.CallingApp + ":" + string(r.Operation)

	switch r.Operation {
	case models.OpGetPublicKey:
		// Any repeat request collapses regardless of payload.
		return prefix

	case models.OpSignEvent:
		if id := eventID(r.Param("event")); id != "" {
			return prefix + ":" + id
		}
		return prefix + ":" + hash(r.Param("event"))

	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		return prefix + ":" + hash(r.Param("ciphertext")) + ":" + r.Param("pubkey")

	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		return prefix + ":" + hash(r.Param("plaintext")) + ":" + r.Param("pubkey")

	case models.OpDecryptZapEvent:
		return prefix + ":" + hash(r.Param("event"))
	}

	return prefix + ":" + uuid.NewString()
}

// eventID extracts the event id from serialized event JSON. An event without
// an id field gets one computed from its canonical serialization, so a
// retried unsigned event still collapses to the same key. Returns "" when
// the payload cannot be interpreted as an event.
func eventID(eventJSON string) string {
	if eventJSON == "" {
		return ""
	}
	var evt nostr.Event
	if err := json.Unmarshal([]byte(eventJSON), &evt); err != nil {
		return ""
	}
	if evt.ID != "" {
		return evt.ID
	}
	return evt.GetID()
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// Deduplicator remembers recently admitted fingerprints with TTL eviction.
type Deduplicator struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

// New creates a Deduplicator. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Admit records the request's fingerprint and reports whether it was not
// seen within the TTL. The first call for a fingerprint returns true; any
// repeat inside the TTL returns false.
func (d *Deduplicator) Admit(r *models.Request) bool {
	return d.AdmitFingerprint(Fingerprint(r))
}

// AdmitFingerprint is Admit for a precomputed fingerprint.
func (d *Deduplicator) AdmitFingerprint(fp string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.entries[fp]; ok && now.Sub(seen) < d.ttl {
		return false
	}
	d.entries[fp] = now
	return true
}

// Sweep drops entries older than maxAge and returns how many were removed.
// The ingestion queue's cleanup pass calls this on its own cadence.
func (d *Deduplicator) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for fp, seen := range d.entries {
		if seen.Before(cutoff) {
			delete(d.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
