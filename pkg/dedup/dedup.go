// Package dedup drops MQTT redeliveries within a TTL.
package dedup

import (
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max), now: time.Now}
}

// WithClock replaces the time source, for tests.
func (d *Deduper) WithClock(now func() time.Time) *Deduper {
	d.now = now
	return d
}

// ShouldProcess reports whether id was not seen within the TTL and marks it seen.
// Empty ids are always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evict removes expired ids first and, if still over capacity, the ones
// closest to expiry.
func (d *Deduper) evict(now time.Time) {
	for k, v := range d.seen {
		if !now.Before(v) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var (
			oldest  string
			minTime time.Time
		)
		for k, v := range d.seen {
			if oldest == "" || v.Before(minTime) {
				oldest, minTime = k, v
			}
		}
		delete(d.seen, oldest)
	}
}
