/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package runner

import (
	"container/list"
	"sync"
	"time"
)

// resultCache keeps finished results for a bounded time and count.
// The oldest entry is evicted first when the cache is full.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	order   *list.List               // of *cacheEntry, oldest at front
	entries map[string]*list.Element // correlation id -> element
}

type cacheEntry struct {
	key     string
	result  *Result
	expires time.Time
}

func newResultCache(max int, ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *resultCache) put(key string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}

	c.evictExpired()
	for c.max > 0 && c.order.Len() >= c.max {
		c.removeElement(c.order.Front())
	}

	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, result: result, expires: c.now().Add(c.ttl)})
}

func (c *resultCache) get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && !c.now().Before(entry.expires) {
		c.removeElement(el)
		return nil, false
	}
	return entry.result, true
}

// take returns and removes an entry
func (c *resultCache) take(key string) (*Result, bool) {
	result, ok := c.get(key)
	if ok {
		c.mu.Lock()
		if el, exists := c.entries[key]; exists {
			c.removeElement(el)
		}
		c.mu.Unlock()
	}
	return result, ok
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired()
	return c.order.Len()
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// evictExpired drops expired entries from the front. Caller holds mu.
func (c *resultCache) evictExpired() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.Before(el.Value.(*cacheEntry).expires) {
			break // entries are in insertion order with equal ttl
		}
		c.removeElement(el)
		el = next
	}
}

func (c *resultCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*cacheEntry).key)
}
