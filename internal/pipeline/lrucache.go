package pipeline

import (
	"container/list"
	"sync"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
)

// lruCache is a small size- and TTL-bounded cache backing the router's
// result cache (§4.6). No third-party LRU implementation appears anywhere
// in the reference pack's actual Go source — every cache-like structure in
// the teacher (subscription snapshots, nonce-dedupe sets) is likewise a
// plain map behind a mutex rather than an imported library — so this
// hand-rolled container/list + map LRU matches the codebase's established
// texture rather than introducing an unvalidated dependency (see
// DESIGN.md).
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clk      clock.Clock
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key       string
	value     routeResult
	expiresAt time.Time
}

func newLRUCache(capacity int, ttl time.Duration, clk clock.Clock) *lruCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		clk:      clk,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (routeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return routeResult{}, false
	}
	entry := el.Value.(*lruEntry)
	if c.clk.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return routeResult{}, false
	}
	c.ll.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) put(key string, value routeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = c.clk.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}
	entry := &lruEntry{key: key, value: value, expiresAt: c.clk.Now().Add(c.ttl)}
	el := c.ll.PushFront(entry)
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
