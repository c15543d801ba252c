package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/storage"
	"github.com/roach88/kernel/internal/store"
	"github.com/roach88/kernel/internal/vclock"
)

// DefaultStorageKey tags created entities when a scenario names none.
const DefaultStorageKey = "main"

// Harness runs one scenario against a fresh kernel.
type Harness struct {
	tx     *kernel.Transactor
	reg    *schema.Registry
	key    string
	logger *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes kernel and storage logs. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh kernel for isolation. Execution flow:
//  1. Compile the inline schema on top of the built-in attributes
//  2. Run each step as one change
//  3. Build the durable document of the final graph
//  4. Evaluate assertions, and again after a round trip when requested
//
// A step that fails unexpectedly returns an error; failed assertions are
// reported on the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		key:    scenario.StorageKey,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.key == "" {
		h.key = DefaultStorageKey
	}

	reg := schema.Builtin()
	if scenario.Schema != "" {
		var err error
		reg, err = schema.CompileCUE(scenario.Name+".cue", scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema: %w", err)
		}
	}
	h.reg = reg
	h.tx = h.newKernel("harness")
	defer h.tx.Close(nil)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}

	snap := h.tx.Current()
	doc, err := storage.Encode(storage.Build(snap, h.key, h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to encode durable snapshot: %w", err)
	}
	result.Document = doc

	for _, msg := range EvaluateAssertions(snap, scenario.Assertions) {
		result.AddError(msg)
	}

	if scenario.RoundTrip {
		if err := h.roundTrip(ctx, scenario, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (h *Harness) newKernel(id string) *kernel.Transactor {
	return kernel.New(
		kernel.WithRegistry(h.reg),
		kernel.WithKernelID(vclock.ID(id)),
		kernel.WithLogger(h.logger),
	)
}

// abortCause strips the kernel's abort wrapper so step errors name what
// the step did wrong.
func abortCause(err error) error {
	var ke *kernel.KernelError
	if errors.As(err, &ke) && ke.Code == kernel.ErrCodeChangeAborted && ke.Err != nil {
		return ke.Err
	}
	return err
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	op := step.Op()
	uid := stepUID(step)
	ctx = kernel.WithLabel(ctx, fmt.Sprintf("step %d %s", i, op))

	change, err := h.tx.Change(ctx, func(m *kernel.Mut) error {
		return h.apply(m, step)
	})
	if step.ExpectError != "" {
		if err == nil {
			return fmt.Errorf("step %d (%s %s): expected error containing %q, change committed", i, op, uid, step.ExpectError)
		}
		if !strings.Contains(err.Error(), step.ExpectError) {
			return fmt.Errorf("step %d (%s %s): expected error containing %q: %w", i, op, uid, step.ExpectError, err)
		}
		result.Trace = append(result.Trace, StepTrace{Step: i, Op: op, UID: uid})
		return nil
	}
	if err != nil {
		return fmt.Errorf("step %d (%s %s): %w", i, op, uid, abortCause(err))
	}
	result.Trace = append(result.Trace, StepTrace{
		Step:  i,
		Op:    op,
		UID:   uid,
		Seq:   change.Seq(),
		Facts: len(change.Novelty),
	})
	return nil
}

func stepUID(step Step) string {
	switch {
	case step.Create != nil:
		return step.Create.UID
	case step.Add != nil:
		return step.Add.Entity
	case step.Retract != nil:
		return step.Retract.Entity
	case step.Delete != "":
		return step.Delete
	case step.Tag != "":
		return step.Tag
	default:
		return step.Untag
	}
}

func (h *Harness) apply(m *kernel.Mut, step Step) error {
	q := m.Query()
	switch {
	case step.Create != nil:
		return h.create(m, step.Create)

	case step.Add != nil:
		e, err := resolve(q, step.Add.Entity)
		if err != nil {
			return err
		}
		vals, err := toValues(q, step.Add.Attr, step.Add.Value)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := m.Add(e, step.Add.Attr, v); err != nil {
				return err
			}
		}
		return nil

	case step.Retract != nil:
		e, err := resolve(q, step.Retract.Entity)
		if err != nil {
			return err
		}
		if step.Retract.Value == nil {
			return m.RetractAttribute(e, step.Retract.Attr)
		}
		vals, err := toValues(q, step.Retract.Attr, step.Retract.Value)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := m.Retract(e, step.Retract.Attr, v); err != nil {
				return err
			}
		}
		return nil

	case step.Delete != "":
		e, err := resolve(q, step.Delete)
		if err != nil {
			return err
		}
		return m.RetractEntity(e)

	case step.Tag != "":
		e, err := resolve(q, step.Tag)
		if err != nil {
			return err
		}
		return m.Add(e, schema.AttrStorageKey, ir.String(h.key))

	case step.Untag != "":
		e, err := resolve(q, step.Untag)
		if err != nil {
			return err
		}
		return m.Retract(e, schema.AttrStorageKey, ir.String(h.key))
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) create(m *kernel.Mut, c *CreateStep) error {
	q := m.Query()
	if _, exists := db.EntityByUID(q, c.UID); exists {
		return fmt.Errorf("entity %q already exists", c.UID)
	}
	attrs := []kernel.Attr{{A: schema.AttrUID, V: ir.String(c.UID)}}
	if !c.Untagged {
		attrs = append(attrs, kernel.Attr{A: schema.AttrStorageKey, V: ir.String(h.key)})
	}
	if c.Type != "" {
		attrs = append(attrs, kernel.Attr{A: schema.AttrType, V: ir.TypeRef(c.Type)})
	}

	idents := make([]string, 0, len(c.Attrs))
	for ident := range c.Attrs {
		idents = append(idents, ident)
	}
	slices.Sort(idents)
	for _, ident := range idents {
		vals, err := toValues(q, ident, c.Attrs[ident])
		if err != nil {
			return err
		}
		for _, v := range vals {
			attrs = append(attrs, kernel.Attr{A: ident, V: v})
		}
	}
	_, err := m.Create(attrs...)
	return err
}

func (h *Harness) roundTrip(ctx context.Context, scenario *Scenario, result *Result) error {
	bs := store.NewMemory()
	defer bs.Close()

	doc, err := storage.Decode(result.Document)
	if err != nil {
		return fmt.Errorf("round trip: decode: %w", err)
	}
	if err := storage.StoreSaver(bs, h.key)(ctx, doc); err != nil {
		return fmt.Errorf("round trip: save: %w", err)
	}
	loaded, _, err := storage.StoreLoader(bs, h.key)(ctx)
	if err != nil {
		return fmt.Errorf("round trip: load: %w", err)
	}

	fresh := h.newKernel("harness-reload")
	defer fresh.Close(nil)
	_, err = fresh.Change(ctx, func(m *kernel.Mut) error {
		_, err := storage.Apply(m, loaded, storage.ApplyOptions{Strict: true, Logger: h.logger})
		return err
	})
	if err != nil {
		return fmt.Errorf("round trip: apply: %w", err)
	}

	snap := fresh.Current()
	for _, msg := range EvaluateAssertions(snap, scenario.Assertions) {
		result.AddError("after round trip: " + msg)
	}
	again, err := storage.Encode(storage.Build(snap, h.key, h.logger))
	if err != nil {
		return fmt.Errorf("round trip: encode: %w", err)
	}
	if !bytes.Equal(again, result.Document) {
		result.AddError(fmt.Sprintf("round trip changed the durable snapshot:\n  before: %s\n  after:  %s", result.Document, again))
	}
	return nil
}

func resolve(q db.Queryer, uid string) (ir.EID, error) {
	e, ok := db.EntityByUID(q, uid)
	if !ok {
		return 0, fmt.Errorf("unknown entity %q", uid)
	}
	return e, nil
}

// toValues converts a YAML value for attr. Ref attributes take target
// uids; a list on a cardinality-many attribute yields one value per item.
func toValues(q db.Queryer, ident string, raw any) ([]ir.Value, error) {
	attr, ok := q.Registry().Attribute(ident)
	if !ok {
		return nil, fmt.Errorf("unknown attribute %q", ident)
	}
	items := []any{raw}
	if list, isList := raw.([]any); isList && attr.Cardinality == schema.Many {
		items = list
	}
	vals := make([]ir.Value, 0, len(items))
	for _, item := range items {
		v, err := toValue(q, attr, item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ident, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func toValue(q db.Queryer, attr schema.Attribute, raw any) (ir.Value, error) {
	switch attr.Type {
	case schema.TypeRef:
		uid, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("ref value must be a uid, got %T", raw)
		}
		e, err := resolve(q, uid)
		if err != nil {
			return nil, err
		}
		return ir.Ref(e), nil
	case schema.TypeTypeRef:
		ident, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("type value must be a string, got %T", raw)
		}
		return ir.TypeRef(ident), nil
	case schema.TypeOpaque:
		return nil, fmt.Errorf("opaque attributes cannot be set from a scenario")
	default:
		return ir.FromAny(raw)
	}
}
