// Package notify prevents the same server notification from being surfaced
// twice (toast, OS push, in-app badge) across reconnects and replays.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the recency set. When full, the oldest half is
// dropped: dedup is best-effort beyond the realistic replay window, which
// is short (reconnect-triggered re-delivery).
const DefaultCapacity = 50

// Record is one remembered notification.
type Record struct {
	ID       string
	DedupKey string
	ShownAt  time.Time
}

// Deduper is a bounded recency set keyed by dedup key.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	order    []string
	byKey    map[string]Record
	now      func() time.Time
}

// NewDeduper creates a deduper with the given capacity; zero or negative
// means DefaultCapacity.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduper{
		capacity: capacity,
		byKey:    make(map[string]Record),
		now:      time.Now,
	}
}

// ShouldShow reports whether a notification with the given key has not been
// surfaced yet, recording it when new.
func (d *Deduper) ShouldShow(dedupKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byKey[dedupKey]; ok {
		return false
	}

	if len(d.order) >= d.capacity {
		d.evictOldestHalf()
	}

	d.byKey[dedupKey] = Record{
		ID:       uuid.New().String(),
		DedupKey: dedupKey,
		ShownAt:  d.now(),
	}
	d.order = append(d.order, dedupKey)
	return true
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *Deduper) evictOldestHalf() {
	drop := len(d.order) / 2
	if drop == 0 {
		drop = 1
	}
	for _, key := range d.order[:drop] {
		delete(d.byKey, key)
	}
	d.order = append(d.order[:0], d.order[drop:]...)
}
