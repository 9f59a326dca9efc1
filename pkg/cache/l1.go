package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type l1Entry struct {
	value   []byte
	expires time.Time
}

// l1 is the in-process tier: LRU bounded by entry count and total value bytes.
type l1 struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, l1Entry]
	bytes    int64
	maxBytes int64
	evicted  func()
}

func newL1(maxEntries int, maxBytes int64, onEvict func()) (*l1, error) {
	c := &l1{maxBytes: maxBytes, evicted: onEvict}
	lru, err := simplelru.NewLRU[string, l1Entry](maxEntries, func(_ string, e l1Entry) {
		c.bytes -= int64(len(e.value))
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

func (c *l1) get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *l1) set(key string, value []byte, expires time.Time) {
	size := int64(len(value))
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= int64(len(old.value))
	}
	if c.lru.Add(key, l1Entry{value: value, expires: expires}) && c.evicted != nil {
		c.evicted()
	}
	c.bytes += size

	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		if c.evicted != nil {
			c.evicted()
		}
	}
}

func (c *l1) remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

func (c *l1) removePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

func (c *l1) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

func (c *l1) size() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.bytes
}
