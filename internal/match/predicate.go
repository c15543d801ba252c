// Package match is the minimal incremental query surface the rest of the
// kernel consumes: an observer re-evaluating a predicate as the log
// advances, and the scoped helpers built on it.
package match

import (
	"fmt"
	"slices"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
)

// Predicate is a live query whose result is a set of entity tokens.
type Predicate interface {
	// Eval returns the matching entities in q.
	Eval(q db.Queryer) []ir.EID
	// Relevant reports whether novelty can change the result. Observers
	// skip re-evaluation when it cannot.
	Relevant(n ir.Novelty) bool
	// String names the predicate in errors and logs.
	String() string
}

type exists struct {
	e ir.EID
}

// Exists matches e while it has at least one fact.
func Exists(e ir.EID) Predicate { return exists{e: e} }

func (p exists) Eval(q db.Queryer) []ir.EID {
	if db.Exists(q, p.e) {
		return []ir.EID{p.e}
	}
	return nil
}

func (p exists) Relevant(n ir.Novelty) bool { return n.Touches(p.e) }
func (p exists) String() string             { return fmt.Sprintf("exists(%s)", p.e) }

type allExist struct {
	es []ir.EID
}

// AllExist matches every entity in es while all of them exist, and
// nothing otherwise.
func AllExist(es ...ir.EID) Predicate { return allExist{es: slices.Clone(es)} }

func (p allExist) Eval(q db.Queryer) []ir.EID {
	for _, e := range p.es {
		if !db.Exists(q, e) {
			return nil
		}
	}
	return slices.Clone(p.es)
}

func (p allExist) Relevant(n ir.Novelty) bool {
	return slices.ContainsFunc(p.es, n.Touches)
}

func (p allExist) String() string { return fmt.Sprintf("exist(%v)", p.es) }

type hasAttribute struct {
	attr string
}

// HasAttribute matches every entity with a value for attr.
func HasAttribute(attr string) Predicate { return hasAttribute{attr: attr} }

func (p hasAttribute) Eval(q db.Queryer) []ir.EID {
	var out []ir.EID
	for _, d := range q.Column(p.attr) {
		if len(out) == 0 || out[len(out)-1] != d.E {
			out = append(out, d.E)
		}
	}
	return out
}

func (p hasAttribute) Relevant(n ir.Novelty) bool {
	_, ok := n.Attributes()[p.attr]
	return ok
}

func (p hasAttribute) String() string { return fmt.Sprintf("has(%s)", p.attr) }

type funcPredicate struct {
	name string
	fn   func(db.Queryer) []ir.EID
}

// Func adapts fn. It is re-evaluated on every change.
func Func(name string, fn func(db.Queryer) []ir.EID) Predicate {
	return funcPredicate{name: name, fn: fn}
}

func (p funcPredicate) Eval(q db.Queryer) []ir.EID  { return p.fn(q) }
func (p funcPredicate) Relevant(ir.Novelty) bool     { return true }
func (p funcPredicate) String() string               { return p.name }
