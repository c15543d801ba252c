package ir

import "fmt"

// Fact is the atomic unit of change: (entity, attribute, value) plus
// whether it was added or retracted.
type Fact struct {
	E     EID
	A     string
	V     Value
	Added bool
}

func (f Fact) String() string {
	op := "+"
	if !f.Added {
		op = "-"
	}
	return fmt.Sprintf("%s[%s %s %s]", op, f.E, f.A, Format(f.V))
}

// Novelty is the ordered set of facts a change added or retracted.
type Novelty []Fact

// Entities returns the distinct entity ids in order of first appearance.
func (n Novelty) Entities() []EID {
	seen := make(map[EID]struct{}, len(n))
	out := make([]EID, 0, len(n))
	for _, f := range n {
		if _, ok := seen[f.E]; ok {
			continue
		}
		seen[f.E] = struct{}{}
		out = append(out, f.E)
	}
	return out
}

// Attributes returns the set of attribute idents touched.
func (n Novelty) Attributes() map[string]struct{} {
	out := make(map[string]struct{}, len(n))
	for _, f := range n {
		out[f.A] = struct{}{}
	}
	return out
}

// Filter returns the facts for which keep returns true.
func (n Novelty) Filter(keep func(Fact) bool) Novelty {
	var out Novelty
	for _, f := range n {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// InPartitions keeps facts whose entity, or referenced entity, lives in one
// of the allowed partitions.
func (n Novelty) InPartitions(allowed Partitions) Novelty {
	if allowed == nil {
		return n
	}
	return n.Filter(func(f Fact) bool {
		if allowed.Allows(f.E.Partition()) {
			return true
		}
		if ref, ok := f.V.(Ref); ok {
			return allowed.Allows(EID(ref).Partition())
		}
		return false
	})
}

// Touches reports whether any fact concerns entity e.
func (n Novelty) Touches(e EID) bool {
	for _, f := range n {
		if f.E == e {
			return true
		}
	}
	return false
}
