// Package dedupe remembers recently indexed outcome ids so a redelivered
// Kafka message does not hit OpenSearch twice.
package dedupe

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a bounded set of ids that forgets entries after a ttl.
type Cache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewCache creates a cache holding at most capacity ids for ttl each.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{lru: expirable.NewLRU[string, struct{}](capacity, nil, ttl)}
}

// IsSeen reports whether key was marked inside the ttl window. It does not
// refresh the entry.
func (c *Cache) IsSeen(key string) bool {
	_, ok := c.lru.Peek(key)
	return ok
}

// MarkSeen records key, evicting the oldest entry when the cache is full.
func (c *Cache) MarkSeen(key string) {
	c.lru.Add(key, struct{}{})
}

// Len is the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
