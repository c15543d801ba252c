// Package vclock implements the per-kernel vector clocks that express
// "has seen at least these changes" across process boundaries.
//
// Each kernel owns one counter that it ticks on every committed change.
// A Clock is treated as an immutable value: every operation returns a new
// clock, so snapshots can share them freely.
package vclock

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// ID identifies a kernel (one Transactor instance).
type ID string

// Clock maps kernel ids to counters. Missing entries are zero.
type Clock map[ID]uint64

// Get returns the counter for id.
func (c Clock) Get(id ID) uint64 {
	return c[id]
}

// Tick returns a copy of c with id's counter incremented.
func (c Clock) Tick(id ID) Clock {
	next := c.clone()
	next[id]++
	return next
}

// Set returns a copy of c with id's counter set to n.
func (c Clock) Set(id ID, n uint64) Clock {
	next := c.clone()
	next[id] = n
	return next
}

// Merge returns the pointwise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	next := c.clone()
	for id, n := range other {
		if n > next[id] {
			next[id] = n
		}
	}
	return next
}

// PrecedesOrEqual reports whether every counter of c is at most the
// matching counter of other.
func (c Clock) PrecedesOrEqual(other Clock) bool {
	for id, n := range c {
		if n > other[id] {
			return false
		}
	}
	return true
}

// Compress returns the serializable projection of c.
func (c Clock) Compress() Compressed {
	entries := make([]Entry, 0, len(c))
	for id, n := range c {
		if n == 0 {
			continue
		}
		entries = append(entries, Entry{Kernel: id, Counter: n})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(string(a.Kernel), string(b.Kernel)) })
	return Compressed{entries: entries}
}

func (c Clock) String() string {
	return c.Compress().String()
}

func (c Clock) clone() Clock {
	next := make(Clock, len(c)+1)
	for id, n := range c {
		next[id] = n
	}
	return next
}

// Entry is one (kernel, counter) pair of a compressed clock.
type Entry struct {
	Kernel  ID     `json:"kernel" msgpack:"k"`
	Counter uint64 `json:"counter" msgpack:"c"`
}

// Compressed is an immutable, sorted, zero-free projection of a Clock.
// It is created at capture time, transmitted, and discarded once an await
// succeeds or times out.
type Compressed struct {
	entries []Entry
}

// NewCompressed builds a compressed clock from entries.
func NewCompressed(entries ...Entry) Compressed {
	c := make(Clock, len(entries))
	for _, e := range entries {
		if e.Counter > c[e.Kernel] {
			c[e.Kernel] = e.Counter
		}
	}
	return c.Compress()
}

// Entries returns a copy of the pairs in kernel order.
func (c Compressed) Entries() []Entry {
	return slices.Clone(c.entries)
}

// Get returns the counter for id.
func (c Compressed) Get(id ID) uint64 {
	i, ok := slices.BinarySearchFunc(c.entries, id, func(e Entry, id ID) int {
		return strings.Compare(string(e.Kernel), string(id))
	})
	if !ok {
		return 0
	}
	return c.entries[i].Counter
}

// IsZero reports whether the clock has no entries.
func (c Compressed) IsZero() bool {
	return len(c.entries) == 0
}

// Decompress returns a Clock equal to c.
func (c Compressed) Decompress() Clock {
	out := make(Clock, len(c.entries))
	for _, e := range c.entries {
		out[e.Kernel] = e.Counter
	}
	return out
}

// PrecedesOrEqual reports whether observed dominates c.
func (c Compressed) PrecedesOrEqual(observed Clock) bool {
	for _, e := range c.entries {
		if e.Counter > observed[e.Kernel] {
			return false
		}
	}
	return true
}

// Equal reports whether two compressed clocks hold the same entries.
func (c Compressed) Equal(other Compressed) bool {
	return slices.Equal(c.entries, other.entries)
}

func (c Compressed) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range c.entries {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", e.Kernel, e.Counter)
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the clock as a list of entries.
func (c Compressed) MarshalJSON() ([]byte, error) {
	if c.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.entries)
}

// UnmarshalJSON decodes a list of entries, normalizing order.
func (c *Compressed) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode vector clock: %w", err)
	}
	*c = NewCompressed(entries...)
	return nil
}

// MarshalMsgpack implements msgpack.Marshaler.
func (c Compressed) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(c.entries)
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (c *Compressed) UnmarshalMsgpack(data []byte) error {
	var entries []Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode vector clock: %w", err)
	}
	*c = NewCompressed(entries...)
	return nil
}
