// Package db implements the immutable entity-graph snapshot, its
// partition-aware index queries, and the working copy changes run against.
//
// A Snapshot holds four persistent radix trees (EAV, AEV, AVE and a
// reference index). Committing a working copy produces a new Snapshot
// that shares every untouched node with its parent, so snapshots are
// cheap to keep and never mutate once published.
package db

import (
	"maps"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/vclock"
)

// Snapshot is an immutable point-in-time view of the entity graph.
// It embeds an unrestricted Query, so every Queryer method is available
// directly.
type Snapshot struct {
	Query

	eav, aev, ave, vae *iradix.Tree

	seq      int64
	clock    vclock.Clock
	cache    *QueryCache
	counters map[ir.Partition]int64
}

// Empty returns the initial snapshot for a registry.
func Empty(reg *schema.Registry) *Snapshot {
	if reg == nil {
		reg = schema.Builtin()
	}
	s := &Snapshot{
		eav:      iradix.New(),
		aev:      iradix.New(),
		ave:      iradix.New(),
		vae:      iradix.New(),
		clock:    vclock.Clock{},
		cache:    NewQueryCache(),
		counters: map[ir.Partition]int64{},
	}
	s.Query = Query{eav: s.eav, aev: s.aev, ave: s.ave, vae: s.vae, reg: reg}
	return s
}

// Seq is the local db timestamp: the number of changes committed before
// this snapshot was published.
func (s *Snapshot) Seq() int64 { return s.seq }

// Clock is the vector clock of the snapshot. Treat it as read-only.
func (s *Snapshot) Clock() vclock.Clock { return s.clock }

// Cache is the query cache carried by the snapshot.
func (s *Snapshot) Cache() *QueryCache { return s.cache }

// Size returns the number of datoms.
func (s *Snapshot) Size() int { return s.eav.Len() }

// WithRegistry returns a snapshot sharing all indexes but answering to a
// different registry. Used when a schema is extended at startup.
func (s *Snapshot) WithRegistry(reg *schema.Registry) *Snapshot {
	next := *s
	next.Query.reg = reg
	return &next
}

// Mutable opens an exclusive working copy derived from s.
func (s *Snapshot) Mutable() *MutableDB {
	m := &MutableDB{
		base:     s,
		eav:      s.eav.Txn(),
		aev:      s.aev.Txn(),
		ave:      s.ave.Txn(),
		vae:      s.vae.Txn(),
		counters: maps.Clone(s.counters),
		cache:    s.cache,
	}
	m.query = Query{eav: m.eav, aev: m.aev, ave: m.ave, vae: m.vae, reg: s.reg}
	return m
}
