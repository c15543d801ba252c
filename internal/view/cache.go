package view

import (
	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
)

type slice int

const (
	sliceShared slice = iota
	sliceHidden
	sliceVisible
	numSlices
)

func (s slice) String() string {
	switch s {
	case sliceShared:
		return "shared"
	case sliceHidden:
		return "hidden"
	default:
		return "visible"
	}
}

// queryCache is the per-view cache stored on the view record. It is
// immutable; updates build a new one.
type queryCache struct {
	slices [numSlices]*db.QueryCache
}

func newQueryCache() *queryCache {
	c := &queryCache{}
	for i := range c.slices {
		c.slices[i] = db.NewQueryCache()
	}
	return c
}

// invalidate drops entries touched by novelty, filtering it per slice to
// the partitions that slice can see. It returns the receiver when nothing
// was dropped.
func (c *queryCache) invalidate(novelty ir.Novelty, allowed [numSlices]ir.Partitions) *queryCache {
	next := *c
	changed := false
	for i, sc := range c.slices {
		next.slices[i] = sc.Invalidate(novelty.InPartitions(allowed[i]))
		if next.slices[i] != sc {
			changed = true
		}
	}
	if !changed {
		return c
	}
	return &next
}

// Len is the number of memoized entries across slices.
func (c *queryCache) Len() int {
	n := 0
	for _, sc := range c.slices {
		n += sc.Len()
	}
	return n
}

func cacheOf(q db.Queryer, rec ir.EID) *queryCache {
	v, ok, err := q.GetOne(rec, attrCache)
	if err != nil || !ok {
		return newQueryCache()
	}
	if o, ok := v.(ir.Opaque); ok {
		if c, ok := o.V.(*queryCache); ok {
			return c
		}
	}
	return newQueryCache()
}
