package memory

import (
	"container/list"
	"time"
)

// evictCallback is invoked for every entry removed one at a time
// (eviction, sweep, expiry on read, or explicit removal), with the lock
// held. removeAll does not invoke it.
type evictCallback func(key string, value interface{})

// sizedLRU keeps the cumulative cost of its entries below maxCost by
// evicting the least recently used entries. It is not thread-safe.
type sizedLRU struct {
	// Eviction double-linked list. Most recently accessed elements are
	// at the front.
	ll *list.List

	// Map for O(1) access to the list elements.
	cache map[string]*list.Element

	currentCost int64
	maxCost     int64

	onEvict evictCallback
}

type entry struct {
	key   string
	value interface{}

	// Caller-supplied cost. Image byte count by convention.
	cost int64

	// Estimated expiration instant. Zero means the entry never expires.
	expiresAt time.Time

	// The TTL the entry was stored with, used by access extension.
	// Zero for date-based and never expirations.
	ttl time.Duration
}

func newSizedLRU(maxCost int64, onEvict evictCallback) sizedLRU {
	return sizedLRU{
		maxCost: maxCost,
		ll:      list.New(),
		cache:   make(map[string]*list.Element),
		onEvict: onEvict,
	}
}

// add inserts or replaces (key, value), evicting least recently used
// entries as necessary. Entries whose cost alone exceeds maxCost are
// rejected.
func (c *sizedLRU) add(key string, e entry) bool {
	if c.maxCost > 0 && e.cost > c.maxCost {
		return false
	}

	var costDelta int64
	if ee, ok := c.cache[key]; ok {
		costDelta = e.cost - ee.Value.(*entry).cost
		c.ll.MoveToFront(ee)
		*ee.Value.(*entry) = e
	} else {
		costDelta = e.cost
		ele := c.ll.PushFront(&e)
		c.cache[key] = ele
	}

	// Evict before returning, so the cost invariant holds after every
	// mutation. Needed even on replacement, since the new cost may be
	// larger.
	if c.maxCost > 0 {
		for c.currentCost+costDelta > c.maxCost {
			ele := c.ll.Back()
			if ele == nil {
				break
			}
			if ele.Value.(*entry).key == key {
				// The new entry is the oldest one left; keep it.
				break
			}
			c.removeElement(ele)
		}
	}

	c.currentCost += costDelta
	return true
}

// get looks up a key and marks it most recently used.
func (c *sizedLRU) get(key string) (*entry, bool) {
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry), true
	}
	return nil, false
}

// peek looks up a key without disturbing the LRU order.
func (c *sizedLRU) peek(key string) (*entry, bool) {
	if ele, hit := c.cache[key]; hit {
		return ele.Value.(*entry), true
	}
	return nil, false
}

func (c *sizedLRU) remove(key string) {
	if ele, hit := c.cache[key]; hit {
		c.removeElement(ele)
	}
}

func (c *sizedLRU) removeAll() {
	c.ll.Init()
	c.cache = make(map[string]*list.Element)
	c.currentCost = 0
}

func (c *sizedLRU) len() int {
	return len(c.cache)
}

func (c *sizedLRU) totalCost() int64 {
	return c.currentCost
}

// removeExpired removes every entry whose estimated expiration is not
// after ref, and returns the removed keys.
func (c *sizedLRU) removeExpired(ref time.Time) []string {
	var removed []string
	for ele := c.ll.Back(); ele != nil; {
		prev := ele.Prev()
		e := ele.Value.(*entry)
		if !e.expiresAt.IsZero() && !e.expiresAt.After(ref) {
			removed = append(removed, e.key)
			c.removeElement(ele)
		}
		ele = prev
	}
	return removed
}

func (c *sizedLRU) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	e := ele.Value.(*entry)
	delete(c.cache, e.key)
	c.currentCost -= e.cost
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}
