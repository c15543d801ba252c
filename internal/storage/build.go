package storage

import (
	"log/slog"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
)

// Build extracts the durable snapshot for key from snap.
//
// Candidates are the entities tagged with key that have a kernel/uid. A
// candidate is includable only if every required reference it holds
// points at another includable candidate; exclusion propagates backwards
// along required references until nothing changes, so each entity and
// each reference is visited a bounded number of times even on cyclic
// graphs. Optional references to entities that are not included are
// dropped from the referring entity. Transient attributes are never
// written.
func Build(snap *db.Snapshot, key string, logger *slog.Logger) DurableSnapshot {
	if logger == nil {
		logger = slog.Default()
	}
	reg := snap.Registry()

	uids := make(map[ir.EID]string)
	for _, e := range snap.LookupMany(schema.AttrStorageKey, ir.String(key)) {
		uid, ok := db.UIDOf(snap, e)
		if !ok {
			logger.Warn("excluding entity without uid from durable snapshot", "entity", e.String(), "key", key)
			continue
		}
		uids[e] = uid
	}

	// requiredBy[target] lists candidates holding a required ref to target.
	requiredBy := make(map[ir.EID][]ir.EID)
	var excluded []ir.EID
	excludedSet := make(map[ir.EID]struct{})
	exclude := func(e ir.EID, attr string, target ir.EID) {
		if _, done := excludedSet[e]; done {
			return
		}
		excludedSet[e] = struct{}{}
		excluded = append(excluded, e)
		logger.Warn("excluding entity from durable snapshot: required reference not includable",
			"uid", uids[e], "attr", attr, "target", target.String(), "key", key)
	}

	for e := range uids {
		for _, attr := range requiredRefAttrs(snap, reg, e) {
			vals, _ := snap.GetMany(e, attr)
			for _, v := range vals {
				target := ir.EID(v.(ir.Ref))
				if _, ok := uids[target]; !ok {
					exclude(e, attr, target)
					continue
				}
				requiredBy[target] = append(requiredBy[target], e)
			}
		}
	}
	for i := 0; i < len(excluded); i++ {
		target := excluded[i]
		for _, holder := range requiredBy[target] {
			exclude(holder, "", target)
		}
	}

	d := DurableSnapshot{
		Format:     ir.FormatVersion,
		Partitions: make(map[string]ir.Partition),
		Seq:        snap.Seq(),
	}
	for e, uid := range uids {
		if _, ok := excludedSet[e]; ok {
			continue
		}
		d.Entities = append(d.Entities, buildEntity(snap, reg, e, uid, func(target ir.EID) (string, bool) {
			if _, out := excludedSet[target]; out {
				return "", false
			}
			u, ok := uids[target]
			return u, ok
		}))
		d.Partitions[uid] = e.Partition()
	}
	d.Entities = sortedEntities(d.Entities)
	return d
}

func requiredRefAttrs(snap *db.Snapshot, reg *schema.Registry, e ir.EID) []string {
	v, ok, _ := snap.GetOne(e, schema.AttrType)
	if !ok {
		return nil
	}
	tref, ok := v.(ir.TypeRef)
	if !ok {
		return nil
	}
	t, ok := reg.Type(string(tref))
	if !ok {
		return nil
	}
	return reg.RequiredRefs(t)
}

func buildEntity(snap *db.Snapshot, reg *schema.Registry, e ir.EID, uid string, resolve func(ir.EID) (string, bool)) DurableEntity {
	out := DurableEntity{UID: uid, Attrs: make(map[string][]DurableValue)}
	datoms, _ := snap.Entity(e)
	for _, d := range datoms {
		if d.A == schema.AttrUID {
			continue
		}
		attr, ok := reg.Attribute(d.A)
		if !ok || attr.Transient {
			continue
		}
		var dv DurableValue
		switch v := d.V.(type) {
		case ir.Ref:
			target, ok := resolve(ir.EID(v))
			if !ok {
				continue
			}
			dv = RefValue(target)
		case ir.TypeRef:
			dv = TypeValue(string(v))
		case ir.Opaque:
			continue
		default:
			dv = JSONValue(v)
		}
		out.Attrs[d.A] = append(out.Attrs[d.A], dv)
	}
	return out
}
