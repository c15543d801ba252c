// Package kernel implements the Transactor: the single-writer loop that
// turns change functions into an ordered log of immutable snapshots.
//
// Every change runs against the latest committed snapshot, is wrapped by
// the installed middleware, and on success commits one new snapshot whose
// seq and vector clock entry advance by exactly one. Observers read state
// through Current, Subscribe (conflating, latest-wins) or Log (ordered,
// lossless up to a lag bound, then Reset).
package kernel
