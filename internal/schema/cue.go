package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// LoadMode controls how errors are handled while loading schemas.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// CompileCUE compiles schema source text. The source declares
//
//	attribute: "todo/title": {type: "value", cardinality: "one"}
//	attribute: "todo/owner": {type: "ref"}
//	entity: "todo/Item": {required: ["todo/title", "todo/owner"]}
//
// on top of the built-in kernel attributes.
func CompileCUE(filename, src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	reg, errs := Parse(v, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return reg, nil
}

// LoadDir loads every CUE file of dir as one instance and parses it.
// Schema files carry no package clause.
// With LoadModeCollectAll every broken attribute or type is reported and
// the remaining definitions still form the returned registry.
func LoadDir(dir string, mode LoadMode) (*Registry, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{&SchemaError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&SchemaError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil || len(matches) == 0 {
		return nil, []error{&SchemaError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: "_"})
	if len(instances) == 0 {
		return nil, []error{&SchemaError{Code: ErrCodeCUE, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{formatCUEError(inst.Err)}
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}
	return Parse(v, mode)
}

// Parse reads attribute and entity blocks out of a built CUE value.
func Parse(v cue.Value, mode LoadMode) (*Registry, []error) {
	var errs []error
	var attrs []Attribute
	var types []EntityType

	fail := func(err error) bool {
		errs = append(errs, err)
		return mode == LoadModeFailFast
	}

	if block := v.LookupPath(cue.ParsePath("attribute")); block.Exists() {
		iter, err := block.Fields()
		if err != nil {
			return nil, []error{formatCUEError(err)}
		}
		for iter.Next() {
			a, err := parseAttribute(iter.Label(), iter.Value())
			if err != nil {
				if fail(err) {
					return nil, errs
				}
				continue
			}
			attrs = append(attrs, a)
		}
	}

	if block := v.LookupPath(cue.ParsePath("entity")); block.Exists() {
		iter, err := block.Fields()
		if err != nil {
			return nil, []error{formatCUEError(err)}
		}
		for iter.Next() {
			t, err := parseEntityType(iter.Label(), iter.Value())
			if err != nil {
				if fail(err) {
					return nil, errs
				}
				continue
			}
			types = append(types, t)
		}
	}

	reg, err := Builtin().With(attrs, types)
	if err != nil {
		return nil, append(errs, err)
	}
	return reg, errs
}

func parseAttribute(ident string, v cue.Value) (Attribute, error) {
	a := Attribute{Ident: ident}

	if tv := v.LookupPath(cue.ParsePath("type")); tv.Exists() {
		s, err := tv.String()
		if err != nil {
			return a, formatCUEError(err)
		}
		t, ok := ParseValueType(s)
		if !ok {
			return a, &SchemaError{
				Code:    ErrCodeInvalidAttribute,
				Ident:   ident,
				Message: fmt.Sprintf("unknown type %q (want value, ref, type or opaque)", s),
				Pos:     tv.Pos(),
			}
		}
		a.Type = t
	}

	if cv := v.LookupPath(cue.ParsePath("cardinality")); cv.Exists() {
		s, err := cv.String()
		if err != nil {
			return a, formatCUEError(err)
		}
		switch s {
		case "one":
			a.Cardinality = One
		case "many":
			a.Cardinality = Many
		default:
			return a, &SchemaError{
				Code:    ErrCodeInvalidAttribute,
				Ident:   ident,
				Message: fmt.Sprintf("unknown cardinality %q (want one or many)", s),
				Pos:     cv.Pos(),
			}
		}
	}

	for name, dst := range map[string]*bool{"unique": &a.Unique, "index": &a.Index, "transient": &a.Transient} {
		bv := v.LookupPath(cue.ParsePath(name))
		if !bv.Exists() {
			continue
		}
		b, err := bv.Bool()
		if err != nil {
			return a, formatCUEError(err)
		}
		*dst = b
	}

	return a, nil
}

func parseEntityType(ident string, v cue.Value) (EntityType, error) {
	t := EntityType{Ident: ident}

	rv := v.LookupPath(cue.ParsePath("required"))
	if !rv.Exists() {
		return t, nil
	}
	iter, err := rv.List()
	if err != nil {
		return t, formatCUEError(err)
	}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return t, formatCUEError(err)
		}
		t.Required = append(t.Required, s)
	}
	return t, nil
}

// formatCUEError keeps the first CUE error together with its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Code: ErrCodeCUE, Message: err.Error()}
	}
	first := errs[0]
	se := &SchemaError{Code: ErrCodeCUE, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		se.Pos = positions[0]
	}
	return se
}
