// Package ir provides the foundational value types of the entity graph.
//
// ir imports nothing internal. Every other package builds on it:
// entity ids with an embedded partition tag, the sealed Value interface,
// fact tuples and novelty, and the canonical JSON encoding used for
// durable snapshots and content hashes.
//
// Key design constraints:
//   - NO float values anywhere, use Int
//   - Entity ids are never reused
//   - Canonical JSON follows RFC 8785 (UTF-16 key order, NFC strings)
package ir
