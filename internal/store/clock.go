package store

import (
	"sync"
	"time"
)

// monotonicClock hands out unix-microsecond timestamps that strictly
// increase even when the wall clock stalls or steps backwards. Appends
// are stamped through it so the store's ordering invariant never depends
// on the host clock alone.
type monotonicClock struct {
	mu   sync.Mutex
	last int64
}

func (c *monotonicClock) next() int64 {
	now := time.Now().UnixMicro()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// observe advances the clock past a timestamp loaded from the store, so
// a process restart cannot re-issue timestamps already on disk.
func (c *monotonicClock) observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
