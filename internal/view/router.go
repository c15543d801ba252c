package view

import (
	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
)

// router sits in front of the change's mutation pipeline. Each
// instruction is routed to the sub-execution owning its target's
// partition, whichever stage issued it; targets outside the shared and
// hidden partitions fall through to the visible sub-execution. An
// instruction that sub-execution cannot see, or a reference it cannot
// see, is a PartitionViolationError. Applied facts are attributed to the
// cache slice that owns their partition so each slice is invalidated
// only by relevant novelty.
type router struct {
	next    db.Mutator
	view    *View
	caches  [numSlices]*kernel.BoxCache
	novelty [numSlices]ir.Novelty
}

func (r *router) Expand(instr db.Instruction) (db.Expansion, error) {
	e := instr.Target()
	allowed := r.view.allowed[r.view.sliceFor(e.Partition())]
	if !allowed.Allows(e.Partition()) {
		return db.Expansion{Instruction: instr}, &db.PartitionViolationError{EID: e, Allowed: allowed}
	}
	if add, ok := instr.(db.Add); ok {
		if ref, ok := add.V.(ir.Ref); ok && !allowed.Allows(ir.EID(ref).Partition()) {
			return db.Expansion{Instruction: instr}, &db.PartitionViolationError{EID: ir.EID(ref), Allowed: allowed}
		}
	}
	return r.next.Expand(instr)
}

func (r *router) Mutate(exp db.Expansion) (ir.Novelty, error) {
	applied, err := r.next.Mutate(exp)
	if err != nil || len(applied) == 0 {
		return applied, err
	}
	for _, f := range applied {
		s := r.view.sliceFor(f.E.Partition())
		r.novelty[s] = append(r.novelty[s], f)
	}
	for i, c := range r.caches {
		c.Store(c.Load().Invalidate(applied.InPartitions(r.view.allowed[i])))
	}
	return applied, nil
}

// all returns the routed novelty in commit order per slice.
func (r *router) all() ir.Novelty {
	var out ir.Novelty
	for _, n := range r.novelty {
		out = append(out, n...)
	}
	return out
}
