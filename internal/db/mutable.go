package db

import (
	"fmt"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/vclock"
)

// Instruction is a low-level mutation request.
type Instruction interface {
	// Target is the entity the instruction addresses.
	Target() ir.EID
	fmt.Stringer
}

// Add asserts (E, A, V). On a cardinality-one attribute it replaces the
// previous value.
type Add struct {
	E ir.EID
	A string
	V ir.Value
}

// Retract removes (E, A, V) if present.
type Retract struct {
	E ir.EID
	A string
	V ir.Value
}

// RetractAttribute removes every value of A on E.
type RetractAttribute struct {
	E ir.EID
	A string
}

// RetractEntity removes every datom of E and every reference to E.
type RetractEntity struct {
	E ir.EID
}

func (i Add) Target() ir.EID              { return i.E }
func (i Retract) Target() ir.EID          { return i.E }
func (i RetractAttribute) Target() ir.EID { return i.E }
func (i RetractEntity) Target() ir.EID    { return i.E }

func (i Add) String() string     { return fmt.Sprintf("add[%s %s %s]", i.E, i.A, ir.Format(i.V)) }
func (i Retract) String() string { return fmt.Sprintf("retract[%s %s %s]", i.E, i.A, ir.Format(i.V)) }
func (i RetractAttribute) String() string {
	return fmt.Sprintf("retract-attribute[%s %s]", i.E, i.A)
}
func (i RetractEntity) String() string { return fmt.Sprintf("retract-entity[%s]", i.E) }

// Expansion is the concrete fact list an instruction resolves to against
// the current working state.
type Expansion struct {
	Instruction Instruction
	Facts       []ir.Fact
}

// Mutator is the two-phase mutation pipeline. Middleware wraps it to route
// or observe instructions.
type Mutator interface {
	Expand(instr Instruction) (Expansion, error)
	Mutate(exp Expansion) (ir.Novelty, error)
}

// MutableDB is an exclusive working copy derived from a Snapshot.
// It is not safe for concurrent use; the Transactor hands it to exactly
// one change function at a time.
type MutableDB struct {
	base               *Snapshot
	eav, aev, ave, vae *iradix.Txn
	query              Query
	counters           map[ir.Partition]int64
	novelty            ir.Novelty
	cache              *QueryCache
	committed          bool
}

var _ Mutator = (*MutableDB)(nil)

// Base returns the snapshot the working copy was derived from.
func (m *MutableDB) Base() *Snapshot { return m.base }

// Query returns an unrestricted queryer over the working state.
func (m *MutableDB) Query() Queryer { return m.query }

// Novelty returns the facts applied so far.
func (m *MutableDB) Novelty() ir.Novelty { return m.novelty }

// Cache returns the working query cache.
func (m *MutableDB) Cache() *QueryCache { return m.cache }

// SetCache replaces the working query cache.
func (m *MutableDB) SetCache(c *QueryCache) { m.cache = c }

// NewID mints a fresh entity id in partition p. Ids are never reused.
func (m *MutableDB) NewID(p ir.Partition) ir.EID {
	m.counters[p]++
	return ir.MakeEID(p, m.counters[p])
}

// Apply expands and mutates one instruction.
func (m *MutableDB) Apply(instr Instruction) (ir.Novelty, error) {
	return Apply(m, instr)
}

// Apply runs an instruction through any Mutator.
func Apply(mut Mutator, instr Instruction) (ir.Novelty, error) {
	exp, err := mut.Expand(instr)
	if err != nil {
		return nil, err
	}
	return mut.Mutate(exp)
}

// Expand resolves instr into facts against the working state.
func (m *MutableDB) Expand(instr Instruction) (Expansion, error) {
	if m.committed {
		return Expansion{}, &MutationError{Code: ErrCodeCommitted, E: instr.Target(), Message: "working copy already committed"}
	}
	exp := Expansion{Instruction: instr}

	switch in := instr.(type) {
	case Add:
		facts, err := m.expandAdd(in)
		if err != nil {
			return exp, err
		}
		exp.Facts = facts

	case Retract:
		if _, ok := m.eav.Get(eavKey(in.E, in.A, in.V)); ok {
			exp.Facts = []ir.Fact{{E: in.E, A: in.A, V: in.V}}
		}

	case RetractAttribute:
		vals, _ := m.query.GetMany(in.E, in.A)
		for _, v := range vals {
			exp.Facts = append(exp.Facts, ir.Fact{E: in.E, A: in.A, V: v})
		}

	case RetractEntity:
		datoms, _ := m.query.Entity(in.E)
		for _, d := range datoms {
			exp.Facts = append(exp.Facts, ir.Fact{E: d.E, A: d.A, V: d.V})
		}
		refs, _ := m.query.RefsTo(in.E)
		for _, d := range refs {
			if d.E == in.E {
				continue
			}
			exp.Facts = append(exp.Facts, ir.Fact{E: d.E, A: d.A, V: d.V})
		}

	default:
		return exp, fmt.Errorf("unknown instruction %T", instr)
	}

	return exp, nil
}

func (m *MutableDB) expandAdd(in Add) ([]ir.Fact, error) {
	attr, ok := m.query.reg.Attribute(in.A)
	if !ok {
		return nil, &MutationError{Code: ErrCodeUnknownAttribute, E: in.E, A: in.A, Message: "attribute is not in the schema"}
	}
	if err := checkType(attr, in.V); err != nil {
		return nil, &MutationError{Code: ErrCodeTypeMismatch, E: in.E, A: in.A, Message: err.Error()}
	}

	if attr.Unique {
		if owner, ok := m.query.LookupUnique(in.A, in.V); ok && owner != in.E {
			return nil, &MutationError{
				Code:    ErrCodeUniqueConflict,
				E:       in.E,
				A:       in.A,
				Message: fmt.Sprintf("value %s already held by %s", ir.Format(in.V), owner),
			}
		}
	}

	// Opaque values share one index key, so compare payloads.
	if cur, exists := m.eav.Get(eavKey(in.E, in.A, in.V)); exists && ir.Equal(cur.(Datom).V, in.V) {
		return nil, nil
	}

	var facts []ir.Fact
	if attr.Cardinality == schema.One {
		old, _ := m.query.GetMany(in.E, in.A)
		for _, v := range old {
			facts = append(facts, ir.Fact{E: in.E, A: in.A, V: v})
		}
	}
	return append(facts, ir.Fact{E: in.E, A: in.A, V: in.V, Added: true}), nil
}

func checkType(attr schema.Attribute, v ir.Value) error {
	if v == nil {
		return fmt.Errorf("value is nil")
	}
	switch attr.Type {
	case schema.TypeRef:
		if _, ok := v.(ir.Ref); !ok {
			return fmt.Errorf("want entity reference, got %T", v)
		}
	case schema.TypeTypeRef:
		if _, ok := v.(ir.TypeRef); !ok {
			return fmt.Errorf("want type reference, got %T", v)
		}
	case schema.TypeOpaque:
		if _, ok := v.(ir.Opaque); !ok {
			return fmt.Errorf("want opaque value, got %T", v)
		}
	default:
		if _, isNull := v.(ir.Null); isNull || !ir.IsJSON(v) {
			return fmt.Errorf("want JSON value, got %T", v)
		}
	}
	return nil
}

// Mutate applies an expansion and returns the facts that changed state.
func (m *MutableDB) Mutate(exp Expansion) (ir.Novelty, error) {
	if m.committed {
		return nil, &MutationError{Code: ErrCodeCommitted, Message: "working copy already committed"}
	}
	var applied ir.Novelty
	for _, f := range exp.Facts {
		if m.applyFact(f) {
			applied = append(applied, f)
		}
	}
	if len(applied) > 0 {
		m.novelty = append(m.novelty, applied...)
		m.cache = m.cache.Invalidate(applied)
	}
	return applied, nil
}

func (m *MutableDB) applyFact(f ir.Fact) bool {
	d := Datom{E: f.E, A: f.A, V: f.V}
	attr, _ := m.query.reg.Attribute(f.A)
	ref, isRef := f.V.(ir.Ref)

	if f.Added {
		if _, existed := m.eav.Insert(eavKey(f.E, f.A, f.V), d); existed {
			return false
		}
		m.aev.Insert(aevKey(f.A, f.E, f.V), d)
		if indexesValue(attr) {
			m.ave.Insert(aveKey(f.A, f.V, f.E), d)
		}
		if isRef {
			m.vae.Insert(vaeKey(ir.EID(ref), f.A, f.E), d)
		}
		return true
	}

	if _, existed := m.eav.Delete(eavKey(f.E, f.A, f.V)); !existed {
		return false
	}
	m.aev.Delete(aevKey(f.A, f.E, f.V))
	m.ave.Delete(aveKey(f.A, f.V, f.E))
	if isRef {
		m.vae.Delete(vaeKey(ir.EID(ref), f.A, f.E))
	}
	return true
}

// Commit seals the working copy into the next Snapshot. The working copy
// cannot be used afterwards.
func (m *MutableDB) Commit(seq int64, clock vclock.Clock) (*Snapshot, ir.Novelty) {
	m.committed = true
	s := &Snapshot{
		eav:      m.eav.Commit(),
		aev:      m.aev.Commit(),
		ave:      m.ave.Commit(),
		vae:      m.vae.Commit(),
		seq:      seq,
		clock:    clock,
		cache:    m.cache,
		counters: m.counters,
	}
	s.Query = Query{eav: s.eav, aev: s.aev, ave: s.ave, vae: s.vae, reg: m.base.reg}
	return s, m.novelty
}
