package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations must be non-blocking and thread-safe; all methods are
// called from internal goroutines. The default implementation discards
// everything.
type MetricsCollector interface {
	LifecycleMetrics
	TransitionMetrics
	ReplicationMetrics
}

// LifecycleMetrics covers cluster lifecycle and worker liveness.
type LifecycleMetrics interface {
	// RecordClusterStateTransition records a cluster state machine step.
	RecordClusterStateTransition(cluster ClusterID, from, to ClusterState)

	// RecordAssignment records a cluster being assigned to a worker.
	RecordAssignment(worker WorkerID, cluster ClusterID)

	// RecordWorkerLost records a heartbeat-timeout worker removal and the
	// number of clusters force-released.
	RecordWorkerLost(worker WorkerID, clustersReleased int)

	// RecordHeartbeat records a heartbeat publish attempt.
	RecordHeartbeat(worker WorkerID, success bool)

	// RecordSweep records one lifecycle sweep and how many actions it took.
	RecordSweep(activations, deactivations, rebalanceMoves int)
}

// TransitionMetrics covers the entity handoff protocol.
type TransitionMetrics interface {
	// RecordTransition records a resolved transition.
	//
	// Parameters:
	//   - kind: resolution case ("same_owner", "handoff", "activation")
	//   - durationMs: time from request receipt to close
	RecordTransition(kind string, durationMs float64)

	// RecordDuplicateRequest records an idempotent replay of a request id.
	RecordDuplicateRequest()

	// RecordConsistencyFault records a detected double-ownership fault.
	RecordConsistencyFault(entity EntityID)
}

// ReplicationMetrics covers the data plane.
type ReplicationMetrics interface {
	// RecordDeltaBatch records a flushed delta batch and its entity count.
	RecordDeltaBatch(receiver string, entities int)

	// RecordStaleDelta records a delta discarded as older than the last
	// applied tick (expected under unreliable delivery, not an error).
	RecordStaleDelta()

	// RecordShadowBatch records a boundary shadow batch and its size.
	RecordShadowBatch(sourceOwner WorkerID, entities int)
}
