package kernel

import (
	"context"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
)

// CacheSlot holds the query cache a (sub-)execution memoizes into.
type CacheSlot interface {
	Load() *db.QueryCache
	Store(c *db.QueryCache)
}

// workingCache is the top-level slot backed by the working copy.
type workingCache struct {
	mdb *db.MutableDB
}

func (w workingCache) Load() *db.QueryCache   { return w.mdb.Cache() }
func (w workingCache) Store(c *db.QueryCache) { w.mdb.SetCache(c) }

// BoxCache is a free-standing CacheSlot.
type BoxCache struct {
	C *db.QueryCache
}

func (b *BoxCache) Load() *db.QueryCache   { return b.C }
func (b *BoxCache) Store(c *db.QueryCache) { b.C = c }

// Mut is the mutable context handed to change functions and middleware.
// It is valid only for the duration of the change.
type Mut struct {
	ctx     context.Context
	tx      *Transactor
	db      *db.MutableDB
	query   db.Queryer
	mutator db.Mutator
	cache   CacheSlot
	part    ir.Partition
	meta    *Meta
}

func newMut(ctx context.Context, tx *Transactor, mdb *db.MutableDB) *Mut {
	return &Mut{
		ctx:     ctx,
		tx:      tx,
		db:      mdb,
		query:   mdb.Query(),
		mutator: mdb,
		cache:   workingCache{mdb: mdb},
		part:    tx.defaultPartition,
		meta:    NewMeta(),
	}
}

// Context returns the context the change was scheduled with.
func (m *Mut) Context() context.Context { return m.ctx }

// Transactor returns the owning Transactor.
func (m *Mut) Transactor() *Transactor { return m.tx }

// Before is the snapshot the change started from.
func (m *Mut) Before() *db.Snapshot { return m.db.Base() }

// Query returns the queryer of the current (sub-)execution over the
// working state.
func (m *Mut) Query() db.Queryer { return m.query }

// Meta is the open metadata map of this change. It ends up on Change.Meta.
func (m *Mut) Meta() *Meta { return m.meta }

// Novelty returns the facts applied so far.
func (m *Mut) Novelty() ir.Novelty { return m.db.Novelty() }

// Partition is where NewEntity mints ids in the current execution.
func (m *Mut) Partition() ir.Partition { return m.part }

// Cache returns the current execution's query cache.
func (m *Mut) Cache() *db.QueryCache { return m.cache.Load() }

// SetCache replaces the current execution's query cache.
func (m *Mut) SetCache(c *db.QueryCache) { m.cache.Store(c) }

// Mutator is the current mutation pipeline.
func (m *Mut) Mutator() db.Mutator { return m.mutator }

// WrapMutator layers an interceptor around the mutation pipeline for the
// rest of the change.
func (m *Mut) WrapMutator(wrap func(db.Mutator) db.Mutator) {
	m.mutator = wrap(m.mutator)
}

// NewEntity mints an id in the current execution's partition.
func (m *Mut) NewEntity() ir.EID {
	return m.db.NewID(m.part)
}

// NewEntityIn mints an id in partition p.
func (m *Mut) NewEntityIn(p ir.Partition) ir.EID {
	return m.db.NewID(p)
}

// Apply sends one instruction through the mutation pipeline.
func (m *Mut) Apply(instr db.Instruction) (ir.Novelty, error) {
	return db.Apply(m.mutator, instr)
}

// Add asserts (e, attr, v).
func (m *Mut) Add(e ir.EID, attr string, v ir.Value) error {
	_, err := m.Apply(db.Add{E: e, A: attr, V: v})
	return err
}

// Retract removes (e, attr, v).
func (m *Mut) Retract(e ir.EID, attr string, v ir.Value) error {
	_, err := m.Apply(db.Retract{E: e, A: attr, V: v})
	return err
}

// RetractAttribute removes every value of attr on e.
func (m *Mut) RetractAttribute(e ir.EID, attr string) error {
	_, err := m.Apply(db.RetractAttribute{E: e, A: attr})
	return err
}

// RetractEntity deletes e and every reference to it.
func (m *Mut) RetractEntity(e ir.EID) error {
	_, err := m.Apply(db.RetractEntity{E: e})
	return err
}

// Attr is one attribute value for Create.
type Attr struct {
	A string
	V ir.Value
}

// Create mints an entity in the current partition and asserts attrs on it.
func (m *Mut) Create(attrs ...Attr) (ir.EID, error) {
	e := m.NewEntity()
	for _, a := range attrs {
		if err := m.Add(e, a.A, a.V); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Sub runs fn as a nested sub-execution that sees only q, mints new
// entities in part and memoizes into cache. The previous execution is
// restored when fn returns.
func (m *Mut) Sub(q db.Queryer, part ir.Partition, cache CacheSlot, fn ChangeFunc) error {
	prevQuery, prevPart, prevCache := m.query, m.part, m.cache
	m.query, m.part = q, part
	if cache != nil {
		m.cache = cache
	}
	defer func() {
		m.query, m.part, m.cache = prevQuery, prevPart, prevCache
	}()
	return fn(m)
}
