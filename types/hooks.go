package types

import "context"

// Hooks defines optional callbacks for coordination lifecycle events.
//
// All hooks are called asynchronously in background goroutines so they never
// block the cluster state machine or the transition protocol. The context
// passed to hooks is cancelled when the owning node shuts down.
//
// Hook implementations should complete quickly, respect context
// cancellation, and be idempotent; errors are logged but never fail the
// operation that triggered them.
type Hooks struct {
	// OnClusterAssigned fires when a cluster reaches Active on a worker.
	OnClusterAssigned func(ctx context.Context, cluster ClusterID, worker WorkerID) error

	// OnClusterReleased fires when a cluster returns to Unloaded.
	OnClusterReleased func(ctx context.Context, cluster ClusterID, worker WorkerID) error

	// OnTransitionResolved fires when an entity handoff closes.
	// from equals to for same-owner resolutions.
	OnTransitionResolved func(ctx context.Context, entity EntityID, from, to WorkerID) error

	// OnWorkerLost fires when a worker's heartbeat lapses and its clusters
	// are force-released.
	OnWorkerLost func(ctx context.Context, worker WorkerID, released []ClusterID) error

	// OnConsistencyFault fires when two workers claim the same entity. This
	// is a fatal per-entity fault: replication for the entity is halted and
	// the fault requires manual intervention.
	OnConsistencyFault func(ctx context.Context, entity EntityID, claimants []WorkerID) error

	// OnError fires for recoverable faults that re-enter the lifecycle sweep.
	OnError func(ctx context.Context, err error) error
}
