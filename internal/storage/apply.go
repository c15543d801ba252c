package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/schema"
)

// LoadReport summarizes one Apply.
type LoadReport struct {
	// Loaded counts entities that survived the load.
	Loaded int
	// Retracted lists uids dropped because of a problem, sorted.
	Retracted []string
	// Problems aggregates every problem found. Nil when clean.
	Problems error
}

// ApplyOptions configures Apply.
type ApplyOptions struct {
	// Strict aborts on the first problem instead of retracting.
	Strict bool
	Logger *slog.Logger
}

// Apply replays d into the change m.
//
// Each stored uid is minted a fresh entity id once, in its stored
// partition, and reused for every reference to it; a uid already present
// in the graph keeps its entity. Entities with undecodable values, unknown
// attributes, dangling references, or a declared type missing a required
// attribute after replay are retracted and the problem logged. With
// Strict, the first problem is returned instead and the caller's change
// aborts.
func Apply(m *kernel.Mut, d DurableSnapshot, opts ApplyOptions) (LoadReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := m.Query()
	reg := q.Registry()

	known := make(map[string]bool, len(d.Entities))
	for _, e := range d.Entities {
		known[e.UID] = true
	}
	ids := make(map[string]ir.EID, len(d.Entities))
	resolve := func(uid string) ir.EID {
		if e, ok := ids[uid]; ok {
			return e
		}
		e, ok := db.EntityByUID(q, uid)
		if !ok {
			p, found := d.Partitions[uid]
			if !found {
				p = ir.PartitionDefault
			}
			e = m.NewEntityIn(p)
		}
		ids[uid] = e
		return e
	}

	var (
		report   LoadReport
		problems *multierror.Error
		bad      = make(map[string]bool)
	)
	fail := func(uid string, err error) error {
		if opts.Strict {
			return err
		}
		logger.Warn("retracting entity from durable snapshot", "uid", uid, "error", err)
		problems = multierror.Append(problems, err)
		bad[uid] = true
		return nil
	}

	for _, de := range sortedEntities(d.Entities) {
		if err := de.Err(); err != nil {
			if err := fail(de.UID, err); err != nil {
				return report, err
			}
			continue
		}
		e := resolve(de.UID)
		if err := m.Add(e, schema.AttrUID, ir.String(de.UID)); err != nil {
			if err := fail(de.UID, &SchemaError{UID: de.UID, Attr: schema.AttrUID, Message: err.Error()}); err != nil {
				return report, err
			}
			continue
		}
		if err := applyEntity(m, reg, de, e, known, resolve); err != nil {
			if err := fail(de.UID, err); err != nil {
				return report, err
			}
		}
	}

	// Retracting an entity can strip a required reference from another,
	// so re-check survivors until nothing new fails.
	retracted := make(map[string]bool)
	for {
		for uid := range bad {
			if retracted[uid] {
				continue
			}
			retracted[uid] = true
			if e, ok := ids[uid]; ok {
				if err := m.RetractEntity(e); err != nil {
					return report, fmt.Errorf("retract %q: %w", uid, err)
				}
			}
			report.Retracted = append(report.Retracted, uid)
		}

		failed := false
		for _, de := range d.Entities {
			if bad[de.UID] {
				continue
			}
			if err := checkRequired(m.Query(), reg, de.UID, ids[de.UID]); err != nil {
				if err := fail(de.UID, err); err != nil {
					return report, err
				}
				failed = true
			}
		}
		if !failed {
			break
		}
	}
	slices.Sort(report.Retracted)
	report.Loaded = len(d.Entities) - len(report.Retracted)
	report.Problems = problems.ErrorOrNil()
	loadProblems.Add(float64(len(report.Retracted)))
	return report, nil
}

func applyEntity(m *kernel.Mut, reg *schema.Registry, de DurableEntity, e ir.EID, known map[string]bool, resolve func(string) ir.EID) error {
	for _, ident := range sortedKeys(de.Attrs) {
		attr, ok := reg.Attribute(ident)
		if !ok {
			return &SchemaError{UID: de.UID, Attr: ident, Message: "unknown attribute"}
		}
		if attr.Transient {
			continue
		}
		for _, dv := range de.Attrs[ident] {
			v, err := decodeFor(attr, dv, de.UID, known, resolve)
			if err != nil {
				return err
			}
			if err := m.Add(e, ident, v); err != nil {
				var me *db.MutationError
				if errors.As(err, &me) {
					return &SchemaError{UID: de.UID, Attr: ident, Message: me.Message}
				}
				return err
			}
		}
	}
	return nil
}

func decodeFor(attr schema.Attribute, dv DurableValue, uid string, known map[string]bool, resolve func(string) ir.EID) (ir.Value, error) {
	switch dv.Kind {
	case KindRef:
		if attr.Type != schema.TypeRef {
			return nil, &DecodeError{UID: uid, Attr: attr.Ident, Err: fmt.Errorf("reference stored for %s attribute", attr.Type)}
		}
		if !known[dv.UID] {
			return nil, &DecodeError{UID: uid, Attr: attr.Ident, Err: fmt.Errorf("reference to unknown uid %q", dv.UID)}
		}
		return ir.Ref(resolve(dv.UID)), nil
	case KindType:
		if attr.Type != schema.TypeTypeRef {
			return nil, &DecodeError{UID: uid, Attr: attr.Ident, Err: fmt.Errorf("type stored for %s attribute", attr.Type)}
		}
		return ir.TypeRef(dv.Ident), nil
	default:
		if attr.Type != schema.TypeValue {
			return nil, &DecodeError{UID: uid, Attr: attr.Ident, Err: fmt.Errorf("json value stored for %s attribute", attr.Type)}
		}
		return dv.JSON, nil
	}
}

func checkRequired(q db.Queryer, reg *schema.Registry, uid string, e ir.EID) error {
	v, ok, err := q.GetOne(e, schema.AttrType)
	if err != nil || !ok {
		return err
	}
	tref, _ := v.(ir.TypeRef)
	t, ok := reg.Type(string(tref))
	if !ok {
		return &SchemaError{UID: uid, Attr: schema.AttrType, Message: fmt.Sprintf("unknown entity type %q", tref)}
	}
	for _, req := range t.Required {
		if _, ok, _ := q.GetOne(e, req); !ok {
			return &SchemaError{UID: uid, Attr: req, Message: fmt.Sprintf("required by type %s but missing", t.Ident)}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
