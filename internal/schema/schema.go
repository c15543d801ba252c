// Package schema holds the attribute and entity-type registry of a graph.
//
// A Registry is immutable once built. Extending it returns a copy, so a
// Snapshot can keep the registry it was committed under.
package schema

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Cardinality is how many values an entity may hold for an attribute.
type Cardinality int

const (
	// One allows a single value; adding a new one retracts the old.
	One Cardinality = iota
	// Many allows a set of values.
	Many
)

func (c Cardinality) String() string {
	if c == Many {
		return "many"
	}
	return "one"
}

// ValueType is the kind of value an attribute stores.
type ValueType int

const (
	// TypeValue stores JSON-shaped values.
	TypeValue ValueType = iota
	// TypeRef stores references to other entities.
	TypeRef
	// TypeTypeRef stores entity-type idents.
	TypeTypeRef
	// TypeOpaque stores in-memory values that are never persisted.
	TypeOpaque
)

var valueTypeNames = map[ValueType]string{
	TypeValue:   "value",
	TypeRef:     "ref",
	TypeTypeRef: "type",
	TypeOpaque:  "opaque",
}

func (t ValueType) String() string {
	if s, ok := valueTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// ParseValueType maps a schema name to a ValueType.
func ParseValueType(s string) (ValueType, bool) {
	for t, name := range valueTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// Attribute describes one attribute ident.
type Attribute struct {
	Ident       string
	Cardinality Cardinality
	Type        ValueType
	// Unique attributes map each value to at most one entity.
	Unique bool
	// Index enables lookup-many on the attribute.
	Index bool
	// Transient attributes are never written to durable snapshots.
	Transient bool
}

// IsRef reports whether the attribute points at other entities.
func (a Attribute) IsRef() bool {
	return a.Type == TypeRef
}

// EntityType names a kind of entity and the attributes it must carry.
// Required attributes of type ref are the entity's required references.
type EntityType struct {
	Ident    string
	Required []string
}

// Registry is an immutable set of attributes and entity types.
type Registry struct {
	attrs map[string]Attribute
	types map[string]EntityType
}

// NewRegistry builds a registry from the built-in attributes plus attrs
// and types.
func NewRegistry(attrs []Attribute, types []EntityType) (*Registry, error) {
	return builtin.With(attrs, types)
}

// Builtin returns the registry holding only kernel attributes.
func Builtin() *Registry {
	return builtin
}

// With returns a copy of r extended with attrs and types.
func (r *Registry) With(attrs []Attribute, types []EntityType) (*Registry, error) {
	next := &Registry{
		attrs: make(map[string]Attribute, len(r.attrs)+len(attrs)),
		types: make(map[string]EntityType, len(r.types)+len(types)),
	}
	for k, v := range r.attrs {
		next.attrs[k] = v
	}
	for k, v := range r.types {
		next.types[k] = v
	}

	for _, a := range attrs {
		if err := validIdent(a.Ident); err != nil {
			return nil, &SchemaError{Code: ErrCodeInvalidIdent, Ident: a.Ident, Message: err.Error()}
		}
		if _, dup := next.attrs[a.Ident]; dup {
			return nil, &SchemaError{Code: ErrCodeDuplicate, Ident: a.Ident, Message: "attribute already defined"}
		}
		if a.Unique && a.Cardinality == Many {
			return nil, &SchemaError{Code: ErrCodeInvalidAttribute, Ident: a.Ident, Message: "unique attributes must have cardinality one"}
		}
		if a.Type == TypeOpaque && (a.Unique || a.Index) {
			return nil, &SchemaError{Code: ErrCodeInvalidAttribute, Ident: a.Ident, Message: "opaque attributes cannot be indexed"}
		}
		if a.Type == TypeOpaque {
			a.Transient = true
		}
		next.attrs[a.Ident] = a
	}

	for _, t := range types {
		if err := validTypeIdent(t.Ident); err != nil {
			return nil, &SchemaError{Code: ErrCodeInvalidIdent, Ident: t.Ident, Message: err.Error()}
		}
		if _, dup := next.types[t.Ident]; dup {
			return nil, &SchemaError{Code: ErrCodeDuplicate, Ident: t.Ident, Message: "entity type already defined"}
		}
		for _, req := range t.Required {
			if _, ok := next.attrs[req]; !ok {
				return nil, &SchemaError{
					Code:    ErrCodeUnknownAttribute,
					Ident:   t.Ident,
					Message: fmt.Sprintf("required attribute %q is not defined", req),
				}
			}
		}
		t.Required = slices.Clone(t.Required)
		next.types[t.Ident] = t
	}

	return next, nil
}

// MustWith is like With but panics on error.
func (r *Registry) MustWith(attrs []Attribute, types []EntityType) *Registry {
	next, err := r.With(attrs, types)
	if err != nil {
		panic(err)
	}
	return next
}

// Attribute returns the attribute for ident.
func (r *Registry) Attribute(ident string) (Attribute, bool) {
	a, ok := r.attrs[ident]
	return a, ok
}

// Type returns the entity type for ident.
func (r *Registry) Type(ident string) (EntityType, bool) {
	t, ok := r.types[ident]
	return t, ok
}

// RequiredRefs returns the required attributes of t that are references.
func (r *Registry) RequiredRefs(t EntityType) []string {
	var out []string
	for _, req := range t.Required {
		if a, ok := r.attrs[req]; ok && a.IsRef() {
			out = append(out, req)
		}
	}
	return out
}

// Attributes returns all attributes sorted by ident.
func (r *Registry) Attributes() []Attribute {
	out := make([]Attribute, 0, len(r.attrs))
	for _, a := range r.attrs {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Attribute) int { return strings.Compare(a.Ident, b.Ident) })
	return out
}

// Types returns all entity types sorted by ident.
func (r *Registry) Types() []EntityType {
	out := make([]EntityType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b EntityType) int { return strings.Compare(a.Ident, b.Ident) })
	return out
}

// validTypeIdent accepts bare ("person") and namespaced ("kernel/view")
// entity-type idents.
func validTypeIdent(ident string) error {
	switch {
	case ident == "":
		return fmt.Errorf("ident is empty")
	case strings.ContainsRune(ident, 0):
		return fmt.Errorf("ident contains a null byte")
	case strings.ContainsFunc(ident, unicode.IsSpace):
		return fmt.Errorf("ident contains whitespace")
	}
	return nil
}

// validIdent accepts "namespace/name" attribute idents. The null byte is reserved as
// the index key separator.
func validIdent(ident string) error {
	if ident == "" {
		return fmt.Errorf("ident is empty")
	}
	if strings.ContainsRune(ident, 0) {
		return fmt.Errorf("ident contains a null byte")
	}
	ns, name, ok := strings.Cut(ident, "/")
	if !ok || ns == "" || name == "" {
		return fmt.Errorf("ident must look like namespace/name")
	}
	return nil
}
