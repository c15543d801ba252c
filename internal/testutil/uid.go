package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator hands out "<prefix>-1", "<prefix>-2", ... in order.
//
// It implements kernel.UIDGenerator, so the same scenario run twice with a
// fresh generator produces identical uids and task handles, which keeps
// durable snapshots byte-comparable against golden files.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator returns a generator for prefix. An empty prefix
// becomes "uid".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "uid"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next uid.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
