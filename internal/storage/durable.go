// Package storage persists the tagged part of an entity graph as a
// durable snapshot and restores it into a fresh graph.
//
// Entities are addressed by kernel/uid in the durable form; local entity
// ids are re-minted on every load. A long-running WithStorage scope keeps
// the store current with debounced autosaves.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/kernel/internal/ir"
)

// ValueKind distinguishes the three persisted value shapes.
type ValueKind int

const (
	// KindJSON is {"v": json}.
	KindJSON ValueKind = iota
	// KindRef is {"ref": uid}.
	KindRef
	// KindType is {"type": ident}.
	KindType
)

// DurableValue is one persisted attribute value.
type DurableValue struct {
	Kind  ValueKind
	JSON  ir.Value
	UID   string
	Ident string
}

// JSONValue wraps a JSON value.
func JSONValue(v ir.Value) DurableValue { return DurableValue{Kind: KindJSON, JSON: v} }

// RefValue references another stored entity.
func RefValue(uid string) DurableValue { return DurableValue{Kind: KindRef, UID: uid} }

// TypeValue names an entity type.
func TypeValue(ident string) DurableValue { return DurableValue{Kind: KindType, Ident: ident} }

// String renders v for diagnostics.
func (v DurableValue) String() string {
	switch v.Kind {
	case KindRef:
		return "-> " + v.UID
	case KindType:
		return ":" + v.Ident
	default:
		return ir.Format(v.JSON)
	}
}

func (v DurableValue) object() ir.Object {
	switch v.Kind {
	case KindRef:
		return ir.Object{"ref": ir.String(v.UID)}
	case KindType:
		return ir.Object{"type": ir.String(v.Ident)}
	default:
		return ir.Object{"v": v.JSON}
	}
}

// DurableEntity is one stored entity.
type DurableEntity struct {
	UID   string
	Attrs map[string][]DurableValue

	// err is set by Decode when one of the entity's values was malformed.
	// The rest of the document still loads.
	err error
}

// Err returns the decode problem recorded for this entity, if any.
func (e DurableEntity) Err() error { return e.err }

// DurableSnapshot is the persisted form of a tagged subgraph.
type DurableSnapshot struct {
	Format     int
	Entities   []DurableEntity
	Partitions map[string]ir.Partition

	// Seq is the snapshot seq the document was built from. It is record
	// metadata, not part of the document.
	Seq int64
}

// Empty reports whether there is nothing to load.
func (d DurableSnapshot) Empty() bool { return len(d.Entities) == 0 }

// Encode writes d as canonical JSON. Single values are written bare and
// multi-valued attributes as arrays, so identical graphs always produce
// identical bytes.
func Encode(d DurableSnapshot) ([]byte, error) {
	entities := make(ir.Array, 0, len(d.Entities))
	for _, e := range sortedEntities(d.Entities) {
		attrs := make(ir.Object, len(e.Attrs))
		for ident, vals := range e.Attrs {
			if len(vals) == 1 {
				attrs[ident] = vals[0].object()
				continue
			}
			sorted := slices.Clone(vals)
			slices.SortFunc(sorted, func(a, b DurableValue) int {
				return bytes.Compare(ir.MustMarshalCanonical(a.object()), ir.MustMarshalCanonical(b.object()))
			})
			arr := make(ir.Array, len(sorted))
			for i, v := range sorted {
				arr[i] = v.object()
			}
			attrs[ident] = arr
		}
		entities = append(entities, ir.Object{"uid": ir.String(e.UID), "attrs": attrs})
	}
	parts := make(ir.Object, len(d.Partitions))
	for uid, p := range d.Partitions {
		parts[uid] = ir.Int(p)
	}
	doc := ir.Object{
		"format":     ir.Int(ir.FormatVersion),
		"entities":   entities,
		"partitions": parts,
	}
	data, err := ir.MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("encode durable snapshot: %w", err)
	}
	return data, nil
}

// Hash returns the domain-separated content hash of encoded bytes.
func Hash(data []byte) string {
	return ir.HashWithDomain(ir.DomainDurableSnapshot, data)
}

func sortedEntities(es []DurableEntity) []DurableEntity {
	out := slices.Clone(es)
	slices.SortFunc(out, func(a, b DurableEntity) int {
		switch {
		case a.UID < b.UID:
			return -1
		case a.UID > b.UID:
			return 1
		}
		return 0
	})
	return out
}

type rawDocument struct {
	Format     *int                       `json:"format"`
	Entities   []rawEntity                `json:"entities"`
	Partitions map[string]json.RawMessage `json:"partitions"`
}

type rawEntity struct {
	UID   string                     `json:"uid"`
	Attrs map[string]json.RawMessage `json:"attrs"`
}

// Decode parses a durable snapshot document.
//
// Structural problems (not JSON, missing uid, newer format) fail the whole
// document. A malformed value only marks its entity, see DurableEntity.Err.
// Format 0 documents, which stored bare JSON values and no partitions, are
// upgraded.
func Decode(data []byte) (DurableSnapshot, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return DurableSnapshot{}, &DecodeError{Err: err}
	}

	format := 0
	if raw.Format != nil {
		format = *raw.Format
	}
	if format > ir.FormatVersion || format < 0 {
		return DurableSnapshot{}, &FormatVersionError{Found: format, Supported: ir.FormatVersion}
	}

	d := DurableSnapshot{Format: format, Partitions: make(map[string]ir.Partition, len(raw.Partitions))}
	for uid, msg := range raw.Partitions {
		var p ir.Partition
		if err := json.Unmarshal(msg, &p); err != nil {
			return DurableSnapshot{}, &DecodeError{UID: uid, Err: fmt.Errorf("partition: %w", err)}
		}
		d.Partitions[uid] = p
	}

	seen := make(map[string]bool, len(raw.Entities))
	for i, re := range raw.Entities {
		if re.UID == "" {
			return DurableSnapshot{}, &DecodeError{Err: fmt.Errorf("entities[%d]: missing uid", i)}
		}
		if seen[re.UID] {
			return DurableSnapshot{}, &DecodeError{UID: re.UID, Err: fmt.Errorf("duplicate uid")}
		}
		seen[re.UID] = true

		e := DurableEntity{UID: re.UID, Attrs: make(map[string][]DurableValue, len(re.Attrs))}
		for _, ident := range slices.Sorted(maps.Keys(re.Attrs)) {
			vals, err := decodeAttr(re.Attrs[ident], format)
			if err != nil {
				e.err = &DecodeError{UID: re.UID, Attr: ident, Err: err}
				break
			}
			e.Attrs[ident] = vals
		}
		d.Entities = append(d.Entities, e)
	}
	return d, nil
}

func decodeAttr(msg json.RawMessage, format int) ([]DurableValue, error) {
	if format == 0 {
		v, err := ir.UnmarshalValue(msg)
		if err != nil {
			return nil, err
		}
		return []DurableValue{JSONValue(v)}, nil
	}

	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("empty value list")
		}
		out := make([]DurableValue, 0, len(items))
		for i, item := range items {
			v, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	}
	v, err := decodeValue(trimmed)
	if err != nil {
		return nil, err
	}
	return []DurableValue{v}, nil
}

func decodeValue(msg json.RawMessage) (DurableValue, error) {
	if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		return DurableValue{}, fmt.Errorf("unexpected null")
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(msg, &shape); err != nil {
		return DurableValue{}, fmt.Errorf("expected value object: %w", err)
	}
	if len(shape) != 1 {
		return DurableValue{}, fmt.Errorf("value object must have exactly one of v, ref, type")
	}
	var (
		k     string
		inner json.RawMessage
	)
	for key, val := range shape {
		k, inner = key, val
	}
	switch k {
	case "v":
		v, err := ir.UnmarshalValue(inner)
		if err != nil {
			return DurableValue{}, err
		}
		return JSONValue(v), nil
	case "ref", "type":
		var s string
		if err := json.Unmarshal(inner, &s); err != nil || s == "" {
			return DurableValue{}, fmt.Errorf("%s must be a non-empty string", k)
		}
		if k == "ref" {
			return RefValue(s), nil
		}
		return TypeValue(s), nil
	default:
		return DurableValue{}, fmt.Errorf("unknown value shape %q", k)
	}
}

// Migrate rewrites a document in the current format. changed is false when
// data already was current.
func Migrate(data []byte) (out []byte, changed bool, err error) {
	d, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	for _, e := range d.Entities {
		if e.err != nil {
			return nil, false, e.err
		}
	}
	out, err = Encode(d)
	if err != nil {
		return nil, false, err
	}
	return out, d.Format != ir.FormatVersion || !bytes.Equal(out, data), nil
}
