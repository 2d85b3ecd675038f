// Package lru implements a fixed-capacity least-recently-used cache from
// avatar id to decoded image. Lookups refresh recency, so both Get and Put
// are read-modify-write and the whole structure is guarded by one mutex.
package lru

import (
	"container/list"
	"image"
	"sync"
)

// Cache is a mutex-guarded LRU cache of decoded avatar images.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[int64]*list.Element
}

type entry struct {
	id  int64
	img image.Image
}

// New creates a cache that holds at most capacity entries.
// A capacity below one is treated as one.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// Get returns the cached image for id and marks it most recently used.
func (c *Cache) Get(id int64) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(ele)
	return ele.Value.(*entry).img, true
}

// Put inserts or replaces the image for id and marks it most recently used.
// When the cache is full the least-recently-used entry is evicted first.
func (c *Cache) Put(id int64, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, ok := c.items[id]; ok {
		c.order.MoveToFront(ele)
		ele.Value.(*entry).img = img
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).id)
		}
	}

	c.items[id] = c.order.PushFront(&entry{id: id, img: img})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
