// Package view layers partition-scoped views over one Transactor.
//
// A view sees three partitions of the shared graph: its hidden partition,
// which nothing outside the view can read, its visible partition, which
// consumers treat as the whole database, and the shared partition, which
// every view sees. Views add no second writer. Every change still goes
// through the underlying Transactor; a view only adds a partition filter
// and its own query cache on top of the serialized change stream.
//
// Each change performed through a view runs as three nested
// sub-executions:
//
//	shared   queries see {shared}, new entities land in shared
//	hidden   queries see {hidden, shared}, runs the view's middleware
//	visible  queries see {visible, shared}, runs the change function
//
// Each sub-execution memoizes into its own cache slice. The slices live on
// the view's record entity, so they outlive any single change.
//
// Mutations are routed by the partition of the entity they address, not
// by the stage that issues them: middleware in the hidden stage may write
// visible entities. Reads stay confined to the stage's partitions.
package view
