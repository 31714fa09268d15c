// Package replaycache implements the Replay Cache: a TTL-bounded set of
// workflow identifiers the pipeline has already admitted, so a retried or
// replayed request with the same workflow ID is rejected rather than
// re-executed against the upstream.
package replaycache

import (
	"sync"
	"time"
)

// Verdict is the outcome of checking a workflow ID against the cache.
type Verdict int

const (
	// New means the workflow ID was not previously seen and has now been
	// recorded.
	New Verdict = iota
	// Replay means the workflow ID was already present and inside its TTL.
	Replay
	// Disabled means the cache is configured off and admits everything.
	Disabled
)

// Cache tracks recently-seen workflow IDs. Each entry expires one TTL
// after the call that first recorded it; a replayed lookup does not extend
// that expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewCache creates a replay cache with the given TTL. A zero or negative
// TTL disables the cache: CheckAndInsert always returns Disabled.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
}

// WithClock overrides the cache's time source, for deterministic tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// CheckAndInsert admits wid if it has not been seen within the TTL window,
// recording it for the admitting call. It is the single atomic
// check-and-record operation the pipeline must use — a separate Check then
// Insert would race under concurrent requests with the same workflow ID.
func (c *Cache) CheckAndInsert(wid string) Verdict {
	if c.ttl <= 0 {
		return Disabled
	}

	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiresAt, ok := c.entries[wid]; ok && now.Before(expiresAt) {
		return Replay
	}
	c.entries[wid] = now.Add(c.ttl)
	return New
}

// sweep removes expired entries. Called periodically by Run so the map
// does not grow unbounded under sustained traffic.
func (c *Cache) sweep() {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for wid, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, wid)
		}
	}
}

// Run starts the background sweep goroutine, ticking at the given interval
// until Close is called. A non-positive interval is replaced by one minute.
func (c *Cache) Run(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Len reports the number of tracked entries, expired or not. Exposed for
// metrics and tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
