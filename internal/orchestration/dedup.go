package orchestration

import (
	"sync"
	"time"
)

// eventDebounce suppresses duplicate ingestion of the same event ID within a
// short window (e.g., when two adapters relay the same sensor reading).
// Entries expire after the TTL; maxSize caps memory by evicting stale and,
// if needed, arbitrary entries.
type eventDebounce struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

func newEventDebounce(ttl time.Duration, maxSize int) *eventDebounce {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &eventDebounce{
		seen:    make(map[string]time.Time, maxSize/2),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate returns true if this event ID was seen within the TTL window.
// If not a duplicate, it records the ID.
func (d *eventDebounce) IsDuplicate(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	if seenAt, ok := d.seen[eventID]; ok {
		if now.Sub(seenAt) < d.ttl {
			return true
		}
	}

	d.seen[eventID] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}

	return false
}

// evictLocked removes expired entries. If still over capacity afterwards it
// drops the oldest half.
func (d *eventDebounce) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) > d.maxSize {
		count := 0
		target := len(d.seen) / 2
		for k := range d.seen {
			delete(d.seen, k)
			count++
			if count >= target {
				break
			}
		}
	}
}

// Size returns the current number of tracked IDs.
func (d *eventDebounce) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
