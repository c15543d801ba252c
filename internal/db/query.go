package db

import (
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
)

// Datom is one stored (entity, attribute, value) triple.
type Datom struct {
	E ir.EID
	A string
	V ir.Value
}

// Queryer is the partition-aware index query surface shared by snapshots,
// working copies and view sub-executions.
type Queryer interface {
	// All scans every datom.
	All() []Datom
	// Column scans every datom of one attribute.
	Column(attr string) []Datom
	// LookupMany returns entities holding value v for attr.
	LookupMany(attr string, v ir.Value) []ir.EID
	// LookupUnique returns the one entity holding v for a unique attr.
	LookupUnique(attr string, v ir.Value) (ir.EID, bool)
	// RefsTo returns datoms whose value references target.
	RefsTo(target ir.EID) ([]Datom, error)
	// Contains tests membership of one datom.
	Contains(e ir.EID, attr string, v ir.Value) (bool, error)
	// Entity scans every datom of entity e.
	Entity(e ir.EID) ([]Datom, error)
	// GetOne returns the value of a cardinality-one attribute.
	GetOne(e ir.EID, attr string) (ir.Value, bool, error)
	// GetMany returns all values of attr on e.
	GetMany(e ir.EID, attr string) ([]ir.Value, error)

	// Allowed is the partition set queries are restricted to (nil = all).
	Allowed() ir.Partitions
	// Restrict narrows the allowed set by intersection.
	Restrict(ps ir.Partitions) Queryer
	// Substitute replaces the allowed set.
	Substitute(ps ir.Partitions) Queryer
	Registry() *schema.Registry
}

// reader is satisfied by both *iradix.Tree and *iradix.Txn.
type reader interface {
	Get(k []byte) (interface{}, bool)
	Root() *iradix.Node
}

// Query evaluates index queries over a set of index readers.
// Scans silently skip disallowed partitions; addressing a disallowed
// entity directly returns a PartitionViolationError.
type Query struct {
	eav, aev, ave, vae reader
	reg                *schema.Registry
	allowed            ir.Partitions
}

var _ Queryer = Query{}

func (q Query) Allowed() ir.Partitions { return q.allowed }

func (q Query) Registry() *schema.Registry { return q.reg }

func (q Query) Restrict(ps ir.Partitions) Queryer {
	q.allowed = q.allowed.Intersect(ps)
	return q
}

func (q Query) Substitute(ps ir.Partitions) Queryer {
	q.allowed = ps
	return q
}

func (q Query) check(e ir.EID) error {
	if !q.allowed.Allows(e.Partition()) {
		return &PartitionViolationError{EID: e, Allowed: q.allowed}
	}
	return nil
}

func walk(r reader, prefix []byte, fn func(Datom) bool) {
	r.Root().WalkPrefix(prefix, func(_ []byte, v interface{}) bool {
		return !fn(v.(Datom))
	})
}

func (q Query) collect(r reader, prefix []byte) []Datom {
	var out []Datom
	walk(r, prefix, func(d Datom) bool {
		if q.allowed.Allows(d.E.Partition()) {
			out = append(out, d)
		}
		return true
	})
	return out
}

func (q Query) All() []Datom {
	return q.collect(q.eav, nil)
}

func (q Query) Column(attr string) []Datom {
	return q.collect(q.aev, columnPrefix(attr))
}

func (q Query) LookupMany(attr string, v ir.Value) []ir.EID {
	var out []ir.EID
	if a, ok := q.reg.Attribute(attr); ok && indexesValue(a) {
		for _, d := range q.collect(q.ave, avePrefix(attr, v)) {
			out = append(out, d.E)
		}
		return out
	}
	for _, d := range q.Column(attr) {
		if ir.Equal(d.V, v) {
			out = append(out, d.E)
		}
	}
	return out
}

func (q Query) LookupUnique(attr string, v ir.Value) (ir.EID, bool) {
	found := q.LookupMany(attr, v)
	if len(found) == 0 {
		return 0, false
	}
	return found[0], true
}

func (q Query) RefsTo(target ir.EID) ([]Datom, error) {
	if err := q.check(target); err != nil {
		return nil, err
	}
	return q.collect(q.vae, refsPrefix(target)), nil
}

func (q Query) Contains(e ir.EID, attr string, v ir.Value) (bool, error) {
	if err := q.check(e); err != nil {
		return false, err
	}
	_, ok := q.eav.Get(eavKey(e, attr, v))
	return ok, nil
}

func (q Query) Entity(e ir.EID) ([]Datom, error) {
	if err := q.check(e); err != nil {
		return nil, err
	}
	return q.collect(q.eav, entityPrefix(e)), nil
}

func (q Query) GetOne(e ir.EID, attr string) (ir.Value, bool, error) {
	if err := q.check(e); err != nil {
		return nil, false, err
	}
	var found ir.Value
	walk(q.eav, eavPrefix(e, attr), func(d Datom) bool {
		found = d.V
		return false
	})
	return found, found != nil, nil
}

func (q Query) GetMany(e ir.EID, attr string) ([]ir.Value, error) {
	if err := q.check(e); err != nil {
		return nil, err
	}
	var out []ir.Value
	walk(q.eav, eavPrefix(e, attr), func(d Datom) bool {
		out = append(out, d.V)
		return true
	})
	return out, nil
}

// Exists reports whether e has any datom visible to q.
func Exists(q Queryer, e ir.EID) bool {
	datoms, err := q.Entity(e)
	return err == nil && len(datoms) > 0
}

// EntityByUID resolves a kernel/uid.
func EntityByUID(q Queryer, uid string) (ir.EID, bool) {
	return q.LookupUnique(schema.AttrUID, ir.String(uid))
}

// UIDOf returns the kernel/uid of e, if it has one.
func UIDOf(q Queryer, e ir.EID) (string, bool) {
	v, ok, err := q.GetOne(e, schema.AttrUID)
	if err != nil || !ok {
		return "", false
	}
	s, ok := v.(ir.String)
	return string(s), ok
}

func indexesValue(a schema.Attribute) bool {
	return a.Type != schema.TypeOpaque && (a.Unique || a.Index)
}
