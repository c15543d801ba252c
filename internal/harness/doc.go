// Package harness runs YAML scenarios against a kernel.
//
// # Scenario Format
//
//	name: note_and_author
//	description: "A note keeps its author through a durable round trip"
//	storage_key: main
//	schema: |
//	  attribute: "person/name": {type: "value"}
//	  attribute: "note/author": {type: "ref"}
//	  entity: "note": {required: ["note/author"]}
//	steps:
//	  - create: {uid: p-1, type: person, attrs: {person/name: Ada}}
//	  - create: {uid: n-1, type: note, attrs: {note/author: p-1}}
//	  - add: {entity: n-1, attr: note/title, value: Hello}
//	  - retract: {entity: n-1, attr: note/title, value: Hello}
//	  - tag: p-1
//	  - delete: n-1
//	round_trip: true
//	assertions:
//	  - type: fact
//	    entity: p-1
//	    attr: person/name
//	    value: Ada
//	  - type: missing
//	    entity: n-1
//
// Entities are addressed by kernel/uid. Values of ref attributes name the
// uid of the target. Created entities are tagged with the storage key.
//
// # Assertion Types
//
//   - fact: the entity holds attr (with value, when given)
//   - absent: the entity does not hold attr (or that value)
//   - exists / missing: the entity has (no) datoms
//   - count: number of entities of a type
//
// # Round Trip
//
// With round_trip set, the final snapshot is built into a durable
// document, saved to an in-memory byte store, and loaded into a fresh
// kernel. The assertions run again on the reloaded graph, and the
// reloaded graph must encode to the same bytes.
package harness
