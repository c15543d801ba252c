package kernel

import "sync/atomic"

// LocalTimestamp is the kernel's monotonic local db timestamp.
//
// Every committed change is stamped with the next value, so the seq of a
// snapshot tells how many changes it has seen. It is also the kernel's own
// entry in the vector clock, which is what makes the same-kernel causal
// fast path possible.
//
// Thread-safety: safe for concurrent use. Only the writer goroutine calls
// Next.
type LocalTimestamp struct {
	seq atomic.Int64
}

// NewLocalTimestamp creates a timestamp starting at start. Restored
// kernels resume from the seq of their initial snapshot.
func NewLocalTimestamp(start int64) *LocalTimestamp {
	c := &LocalTimestamp{}
	c.seq.Store(start)
	return c
}

// Next returns the next seq and advances the timestamp.
func (c *LocalTimestamp) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued seq.
func (c *LocalTimestamp) Current() int64 {
	return c.seq.Load()
}
