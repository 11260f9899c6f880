// Package cache is the content-addressed result cache: a bounded LRU with
// per-entry TTL, keyed by a canonical fingerprint of the request.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached result plus its metadata.
type Entry struct {
	Fingerprint string
	ToolID      string
	Payload     map[string]any
	CachedAt    time.Time
	TTL         time.Duration
	Hits        uint64
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CachedAt.Add(e.TTL))
}

// Cache is a fixed-capacity LRU. Reads and writes to the recency structure
// are atomic with respect to each other; the store never exceeds capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List               // front = most recently used
	index    map[string]*list.Element // fingerprint -> element holding *Entry
}

const DefaultCapacity = 256

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the entry for fp, or nil on miss. A hit increments the hit
// counter and refreshes recency; an expired entry is removed and is a miss.
func (c *Cache) Get(fp string) *Entry {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[fp]
	if !ok {
		return nil
	}
	e := el.Value.(*Entry)
	if e.expired(now) {
		c.removeLocked(el)
		return nil
	}
	e.Hits++
	c.ll.MoveToFront(el)
	return e
}

// Put inserts or replaces the entry for fp. At capacity the single
// least-recently-used entry is evicted first, under the same lock, so a
// concurrent read can neither grow the store past capacity nor drop the
// fresh entry.
func (c *Cache) Put(fp, toolID string, payload map[string]any, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[fp]; ok {
		e := el.Value.(*Entry)
		e.ToolID = toolID
		e.Payload = payload
		e.CachedAt = now
		e.TTL = ttl
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		if back := c.ll.Back(); back != nil {
			c.removeLocked(back)
		}
	}
	e := &Entry{Fingerprint: fp, ToolID: toolID, Payload: payload, CachedAt: now, TTL: ttl}
	c.index[fp] = c.ll.PushFront(e)
}

// Invalidate removes every entry derived from the given tool and returns
// the count. Used when a tool's configuration changes.
func (c *Cache) Invalidate(toolID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).ToolID == toolID {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

// InvalidateAll empties the cache and returns the number of removed entries.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ll.Len()
	c.ll.Init()
	c.index = make(map[string]*list.Element, c.capacity)
	return n
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.index, el.Value.(*Entry).Fingerprint)
}
