package kernel

import (
	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
)

// ChangeFunc mutates the working copy. Returning an error aborts the
// change: nothing is published.
type ChangeFunc func(m *Mut) error

// Middleware intercepts every change. It must call next exactly once to
// let the change proceed, or return an error to abort it.
type Middleware interface {
	PerformChange(m *Mut, next ChangeFunc) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(m *Mut, next ChangeFunc) error

func (f MiddlewareFunc) PerformChange(m *Mut, next ChangeFunc) error {
	return f(m, next)
}

type identity struct{}

func (identity) PerformChange(m *Mut, next ChangeFunc) error {
	return next(m)
}

// Identity is the two-sided identity of Compose.
var Identity Middleware = identity{}

type composed struct {
	outer, inner Middleware
}

func (c composed) PerformChange(m *Mut, next ChangeFunc) error {
	return c.outer.PerformChange(m, func(m *Mut) error {
		return c.inner.PerformChange(m, next)
	})
}

// Compose nests inner inside outer: outer's pre-logic runs first and its
// post-logic runs last.
func Compose(outer, inner Middleware) Middleware {
	switch {
	case outer == nil || outer == Identity:
		if inner == nil {
			return Identity
		}
		return inner
	case inner == nil || inner == Identity:
		return outer
	}
	return composed{outer: outer, inner: inner}
}

// Chain composes ms left to right; ms[0] is the outermost interceptor.
func Chain(ms ...Middleware) Middleware {
	out := Identity
	for _, m := range ms {
		out = Compose(out, m)
	}
	return out
}

// UIDGenerator produces kernel/uid values.
type UIDGenerator interface {
	Generate() string
}

// AssignUIDs gives every entity that gained facts in a change, but has no
// kernel/uid yet, a fresh uid. Durable snapshots address entities by uid,
// so any graph that persists should install this.
func AssignUIDs(gen UIDGenerator) Middleware {
	return MiddlewareFunc(func(m *Mut, next ChangeFunc) error {
		if err := next(m); err != nil {
			return err
		}
		q := m.db.Query()
		for _, e := range m.Novelty().Entities() {
			if !db.Exists(q, e) {
				continue
			}
			if _, ok := db.UIDOf(q, e); ok {
				continue
			}
			if _, err := db.Apply(m.db, db.Add{E: e, A: schema.AttrUID, V: ir.String(gen.Generate())}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Audit offers the novelty of every successful change function to fn
// before the change commits.
func Audit(fn func(m *Mut, novelty ir.Novelty)) Middleware {
	return MiddlewareFunc(func(m *Mut, next ChangeFunc) error {
		if err := next(m); err != nil {
			return err
		}
		fn(m, m.Novelty())
		return nil
	})
}
