package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
)

// AssertionError is returned when an assertion fails.
// It includes the addressed entity's facts to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Facts    []string // Facts of the addressed entity, if it exists
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Facts) > 0 {
		fmt.Fprintf(&buf, "\nEntity facts:\n")
		for _, f := range e.Facts {
			fmt.Fprintf(&buf, "  %s\n", f)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion against q and returns the
// failure messages.
func EvaluateAssertions(q db.Queryer, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(q, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(q db.Queryer, a Assertion) error {
	switch a.Type {
	case AssertFact, AssertAbsent:
		return assertFact(q, a)
	case AssertExists:
		if e, ok := db.EntityByUID(q, a.Entity); ok && db.Exists(q, e) {
			return nil
		}
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("entity %s exists", a.Entity), Actual: "not found"}
	case AssertMissing:
		e, ok := db.EntityByUID(q, a.Entity)
		if !ok || !db.Exists(q, e) {
			return nil
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("entity %s is missing", a.Entity),
			Actual:   "entity exists",
			Facts:    entityFacts(q, e),
		}
	case AssertCount:
		n := countType(q, a.EntityType)
		if n == a.Count {
			return nil
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d entities of type %s", a.Count, a.EntityType),
			Actual:   fmt.Sprintf("%d", n),
		}
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertFact checks the presence (fact) or absence (absent) of attr on
// the entity. A nil value matches any value of attr.
func assertFact(q db.Queryer, a Assertion) error {
	want := a.Type == AssertFact
	e, ok := db.EntityByUID(q, a.Entity)
	if !ok {
		if !want {
			return nil
		}
		return &AssertionError{Type: a.Type, Expected: describe(a), Actual: fmt.Sprintf("entity %s not found", a.Entity)}
	}

	var held bool
	if a.Value == nil {
		vals, err := q.GetMany(e, a.Attr)
		if err != nil {
			return err
		}
		held = len(vals) > 0
	} else {
		vals, err := toValues(q, a.Attr, a.Value)
		if err != nil {
			return err
		}
		held = true
		for _, v := range vals {
			ok, err := q.Contains(e, a.Attr, v)
			if err != nil {
				return err
			}
			held = held && ok
		}
	}
	if held == want {
		return nil
	}

	actual := "not held"
	if held {
		actual = "held"
	}
	return &AssertionError{Type: a.Type, Expected: describe(a), Actual: actual, Facts: entityFacts(q, e)}
}

func describe(a Assertion) string {
	verb := "holds"
	if a.Type == AssertAbsent {
		verb = "does not hold"
	}
	if a.Value == nil {
		return fmt.Sprintf("%s %s %s", a.Entity, verb, a.Attr)
	}
	return fmt.Sprintf("%s %s %s = %v", a.Entity, verb, a.Attr, a.Value)
}

func countType(q db.Queryer, ident string) int {
	n := 0
	for _, d := range q.Column(schema.AttrType) {
		if ir.Equal(d.V, ir.TypeRef(ident)) {
			n++
		}
	}
	return n
}

func entityFacts(q db.Queryer, e ir.EID) []string {
	datoms, err := q.Entity(e)
	if err != nil {
		return nil
	}
	out := make([]string, len(datoms))
	for i, d := range datoms {
		out[i] = fmt.Sprintf("%s = %s", d.A, formatValue(q, d.V))
	}
	return out
}

// formatValue prints refs by uid so failures read like the scenario.
func formatValue(q db.Queryer, v ir.Value) string {
	if ref, ok := v.(ir.Ref); ok {
		if uid, ok := db.UIDOf(q, ir.EID(ref)); ok {
			return "-> " + uid
		}
	}
	return ir.Format(v)
}
