package cache

import (
	"container/list"
	"sync"

	"go-wanglab/internal/extractor"
)

// lru holds committed vectors. A capacity of 0 means unbounded.
type lru struct {
	mu        sync.Mutex
	capacity  int
	items     map[Key]*list.Element
	evictList *list.List
	onEvict   func()
}

type entry struct {
	key   Key
	value *extractor.FeatureVector
}

func newLRU(capacity int, onEvict func()) *lru {
	return &lru{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
		onEvict:   onEvict,
	}
}

func (c *lru) get(key Key) (*extractor.FeatureVector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	return nil, false
}

// add stores value unless key is already present, and returns the value
// held for key afterwards.
func (c *lru) add(key Key, value *extractor.FeatureVector) *extractor.FeatureVector {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value
	}
	c.items[key] = c.evictList.PushFront(&entry{key: key, value: value})

	for c.capacity > 0 && c.evictList.Len() > c.capacity {
		c.removeElement(c.evictList.Back())
		if c.onEvict != nil {
			c.onEvict()
		}
	}
	return value
}

func (c *lru) remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}
}

func (c *lru) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	delete(c.items, e.Value.(*entry).key)
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *lru) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Key]*list.Element)
	c.evictList.Init()
}
