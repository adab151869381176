// Package cache provides the two-tier result cache: a process-local LRU
// tagged with graph node ids for precise invalidation, and a shared
// redis tier keyed by embedding hash and ACL fingerprint.
package cache

import (
	"container/list"
	"strings"
	"sync"
)

// entry is one LRU slot. nodeIDs are the graph nodes whose change
// invalidates this entry.
type entry struct {
	key     string
	value   []byte
	nodeIDs []string
}

// LRU is a mutex-guarded LRU with a node-id reverse index. Keys are
// tenant-prefixed ("tenant|rest") so tenant-wide wipes stay bounded by
// the cache capacity.
type LRU struct {
	mu        sync.Mutex
	capacity  int
	evictList *list.List
	items     map[string]*list.Element
	// nodeIndex maps node id to the set of cache keys tagged with it.
	// Entries are removed in lockstep with eviction so the index can
	// never outgrow the cache.
	nodeIndex map[string]map[string]struct{}
}

// NewLRU creates a bounded LRU. Capacity must be positive.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 128
	}
	return &LRU{
		capacity:  capacity,
		evictList: list.New(),
		items:     make(map[string]*list.Element),
		nodeIndex: make(map[string]map[string]struct{}),
	}
}

// Get returns the cached value and marks the entry recently used.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.evictList.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put inserts or refreshes an entry, tagging it with the node ids whose
// change should invalidate it. The oldest entry is evicted at capacity.
func (c *LRU) Put(key string, value []byte, nodeIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.unindexLocked(el.Value.(*entry))
		el.Value = &entry{key: key, value: value, nodeIDs: nodeIDs}
		c.indexLocked(key, nodeIDs)
		c.evictList.MoveToFront(el)
		return
	}

	el := c.evictList.PushFront(&entry{key: key, value: value, nodeIDs: nodeIDs})
	c.items[key] = el
	c.indexLocked(key, nodeIDs)

	if c.evictList.Len() > c.capacity {
		c.removeElementLocked(c.evictList.Back())
	}
}

// Delete removes one entry and its reverse-index tags.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElementLocked(el)
	}
}

// DeleteByNodes removes every entry tagged with any of the node ids and
// returns the removed keys.
func (c *LRU) DeleteByNodes(nodeIDs []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for _, id := range nodeIDs {
		for key := range c.nodeIndex[id] {
			if el, ok := c.items[key]; ok {
				c.removeElementLocked(el)
				removed = append(removed, key)
			}
		}
	}
	return removed
}

// DeletePrefix removes every entry whose key starts with prefix and
// returns the removed keys.
func (c *LRU) DeletePrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElementLocked(el)
			removed = append(removed, key)
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *LRU) indexLocked(key string, nodeIDs []string) {
	for _, id := range nodeIDs {
		keys, ok := c.nodeIndex[id]
		if !ok {
			keys = make(map[string]struct{})
			c.nodeIndex[id] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *LRU) unindexLocked(e *entry) {
	for _, id := range e.nodeIDs {
		if keys, ok := c.nodeIndex[id]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.nodeIndex, id)
			}
		}
	}
}

func (c *LRU) removeElementLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.evictList.Remove(el)
	delete(c.items, e.key)
	c.unindexLocked(e)
}
