package entitycheck

import (
	"container/list"
	"sync"
)

// DefaultCacheSize is how many embeddings a Validator keeps.
const DefaultCacheSize = 4096

// vectorCache is a fixed-size least-recently-used map from text to its
// embedding.
type vectorCache struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	text string
	vec  []float64
}

func newVectorCache(size int) *vectorCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &vectorCache{size: size, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *vectorCache) get(text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[text]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *vectorCache) put(text string, vec []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[text]; ok {
		el.Value.(*cacheEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.items[text] = c.order.PushFront(&cacheEntry{text: text, vec: vec})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).text)
	}
}

func (c *vectorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
