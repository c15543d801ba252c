package ir

import (
	"encoding/binary"
	"fmt"
)

// Partition tags an entity id. It lives in bits 48..62 of the id, so a
// partition never exceeds MaxPartition.
type Partition uint16

// PartitionShift is the bit offset of the partition tag inside an EID.
const PartitionShift = 48

const (
	localMask    = int64(1)<<PartitionShift - 1
	MaxPartition = Partition(1<<15 - 1)
)

// Well-known partitions.
const (
	// PartitionSchema holds kernel bookkeeping entities.
	PartitionSchema Partition = 0
	// PartitionShared is visible inside and outside every view.
	PartitionShared Partition = 1
	// PartitionDefault is where entities go when nothing else is asked for.
	PartitionDefault Partition = 2
	// PartitionFrontend is the designated frontend hidden partition.
	PartitionFrontend Partition = 3

	// FirstUserPartition is the lowest partition free for applications.
	FirstUserPartition Partition = 16
)

// EID identifies an entity. The high bits carry the partition, the low
// 48 bits a counter local to that partition.
type EID int64

// MakeEID builds an entity id from a partition and a local counter.
func MakeEID(p Partition, local int64) EID {
	return EID(int64(p)<<PartitionShift | local&localMask)
}

// Partition returns the partition tag embedded in the id.
func (e EID) Partition() Partition {
	return Partition(int64(e) >> PartitionShift)
}

// Local returns the partition-local counter.
func (e EID) Local() int64 {
	return int64(e) & localMask
}

// String renders the id as "partition:local".
func (e EID) String() string {
	return fmt.Sprintf("%d:%d", e.Partition(), e.Local())
}

// Bytes returns the big-endian encoding used in index keys.
// Ids are never negative so byte order equals numeric order.
func (e EID) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return b[:]
}

// EIDFromBytes decodes the first 8 bytes written by Bytes.
func EIDFromBytes(b []byte) EID {
	return EID(binary.BigEndian.Uint64(b[:8]))
}

// Partitions is an allowed-partition set. A nil set allows everything.
type Partitions map[Partition]struct{}

// PartitionSet builds a Partitions set.
func PartitionSet(ps ...Partition) Partitions {
	set := make(Partitions, len(ps))
	for _, p := range ps {
		set[p] = struct{}{}
	}
	return set
}

// Allows reports whether p is in the set. A nil set allows everything.
func (s Partitions) Allows(p Partition) bool {
	if s == nil {
		return true
	}
	_, ok := s[p]
	return ok
}

// Intersect returns the partitions present in both sets.
// Intersecting with nil returns the other set unchanged.
func (s Partitions) Intersect(other Partitions) Partitions {
	if s == nil {
		return other
	}
	if other == nil {
		return s
	}
	out := make(Partitions)
	for p := range s {
		if _, ok := other[p]; ok {
			out[p] = struct{}{}
		}
	}
	return out
}
