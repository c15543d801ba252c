// Package store provides byte stores for durable snapshots.
//
// A byte store keeps one record per storage key: the canonical document
// bytes plus the metadata needed to inspect it without decoding (format
// version, content hash, the seq it was built at). Decoding and format
// checks live in package storage; a store only moves bytes.
//
// # Backends
//
//   - SQLite (Open): WAL mode, single writer connection, embedded schema
//     with PRAGMA user_version migrations
//   - Badger (OpenBadger): one key per record, msgpack-encoded
//   - Memory (NewMemory): map-backed, for tests and ephemeral kernels
package store
