// Package lifecycle implements the coordinator-side cluster state machine.
//
// The Manager owns the cluster map and is the only component that mutates
// cluster assignment. It drives each cluster through
//
//	Unloaded -> Loading -> Active -> Unloading -> Unloaded
//
// and runs the periodic sweep that catches deactivation candidates, retries
// queued activations, and plans rebalancing moves:
//
//  1. Activate picks an owner via the balancer, sends the assignment plus the
//     region's bulk snapshot, and waits for ClusterReady.
//  2. Deactivate asks the owner to flush and release; ClusterReleased
//     completes the unload.
//  3. The sweep is idempotent: running it twice on an unchanged registry and
//     cluster map produces no additional messages.
//  4. Worker loss marks all of the worker's clusters Unloaded immediately and
//     requeues them; activity since the last persisted snapshot is lost and
//     logged as such.
//
// Rebalancing reuses the same release/activate pair: the planned destination
// is pinned on the record, the cluster is frozen for further planning, and
// the new assignment starts as soon as the old owner confirms the release.
package lifecycle
