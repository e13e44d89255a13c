package ingest

import (
	"sync"
	"time"
)

// DedupCache remembers recently seen source message IDs per thread so that
// provider redeliveries are absorbed without touching storage. Entries
// expire after the retention window; Sweep reclaims them.
type DedupCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

func NewDedupCache(retention time.Duration) *DedupCache {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &DedupCache{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Remember records the key and reports whether it was already present and
// unexpired. The check and insert are one atomic step so two concurrent
// deliveries of the same key cannot both pass.
func (c *DedupCache) Remember(threadID, sourceID string) (duplicate bool) {
	if sourceID == "" {
		return false
	}
	key := threadID + "\x00" + sourceID
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.retention {
		return true
	}
	c.seen[key] = now
	return false
}

// Sweep removes expired entries and returns how many were dropped.
func (c *DedupCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, at := range c.seen {
		if now.Sub(at) >= c.retention {
			delete(c.seen, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of live entries, expired or not.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
