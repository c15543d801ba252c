package db

import (
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/roach88/kernel/internal/ir"
)

// CacheEntry is a memoized query result and what it depends on.
type CacheEntry struct {
	Value    any
	Attrs    []string
	Entities []ir.EID
}

func (e CacheEntry) dependsOn(attrs map[string]struct{}, entities map[ir.EID]struct{}) bool {
	for _, a := range e.Attrs {
		if _, ok := attrs[a]; ok {
			return true
		}
	}
	for _, id := range e.Entities {
		if _, ok := entities[id]; ok {
			return true
		}
	}
	return false
}

// QueryCache is an immutable memo of query results. Every update returns a
// new cache that shares structure with the old one.
type QueryCache struct {
	entries *iradix.Tree
}

// NewQueryCache returns an empty cache.
func NewQueryCache() *QueryCache {
	return &QueryCache{entries: iradix.New()}
}

// Len returns the number of memoized entries.
func (c *QueryCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Get returns the memoized value for key.
func (c *QueryCache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.entries.Get([]byte(key))
	if !ok {
		return nil, false
	}
	return v.(CacheEntry).Value, true
}

// Put returns a cache with key memoized.
func (c *QueryCache) Put(key string, entry CacheEntry) *QueryCache {
	if c == nil {
		c = NewQueryCache()
	}
	tree, _, _ := c.entries.Insert([]byte(key), entry)
	return &QueryCache{entries: tree}
}

// Invalidate drops every entry that depends on an attribute or entity
// touched by novelty. An empty novelty returns the receiver unchanged.
func (c *QueryCache) Invalidate(novelty ir.Novelty) *QueryCache {
	if c == nil || len(novelty) == 0 || c.entries.Len() == 0 {
		return c
	}
	attrs := novelty.Attributes()
	entities := make(map[ir.EID]struct{})
	for _, e := range novelty.Entities() {
		entities[e] = struct{}{}
	}

	var stale [][]byte
	c.entries.Root().Walk(func(k []byte, v interface{}) bool {
		if v.(CacheEntry).dependsOn(attrs, entities) {
			stale = append(stale, k)
		}
		return false
	})
	if len(stale) == 0 {
		return c
	}

	txn := c.entries.Txn()
	for _, k := range stale {
		txn.Delete(k)
	}
	return &QueryCache{entries: txn.Commit()}
}

// Memo returns the cached value for key, computing and storing it on a miss.
func Memo[T any](c *QueryCache, key string, deps CacheEntry, compute func() T) (T, *QueryCache) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, c
		}
	}
	val := compute()
	deps.Value = val
	return val, c.Put(key, deps)
}
