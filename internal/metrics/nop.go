// Package metrics provides metrics collector implementations.
package metrics

import "github.com/Dastari/sidereal/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A new no-op metrics collector instance
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// LifecycleMetrics implementation

// RecordClusterStateTransition discards the state transition metric.
func (n *NopMetrics) RecordClusterStateTransition(_ /* cluster */ types.ClusterID, _ /* from */, _ /* to */ types.ClusterState) {
	// No-op
}

// RecordAssignment discards the assignment metric.
func (n *NopMetrics) RecordAssignment(_ /* worker */ types.WorkerID, _ /* cluster */ types.ClusterID) {
	// No-op
}

// RecordWorkerLost discards the worker loss metric.
func (n *NopMetrics) RecordWorkerLost(_ /* worker */ types.WorkerID, _ /* clustersReleased */ int) {
	// No-op
}

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ /* worker */ types.WorkerID, _ /* success */ bool) {
	// No-op
}

// RecordSweep discards the sweep metric.
func (n *NopMetrics) RecordSweep(_ /* activations */, _ /* deactivations */, _ /* rebalanceMoves */ int) {
	// No-op
}

// TransitionMetrics implementation

// RecordTransition discards the transition metric.
func (n *NopMetrics) RecordTransition(_ /* kind */ string, _ /* durationMs */ float64) {
	// No-op
}

// RecordDuplicateRequest discards the duplicate request metric.
func (n *NopMetrics) RecordDuplicateRequest() {
	// No-op
}

// RecordConsistencyFault discards the consistency fault metric.
func (n *NopMetrics) RecordConsistencyFault(_ /* entity */ types.EntityID) {
	// No-op
}

// ReplicationMetrics implementation

// RecordDeltaBatch discards the delta batch metric.
func (n *NopMetrics) RecordDeltaBatch(_ /* receiver */ string, _ /* entities */ int) {
	// No-op
}

// RecordStaleDelta discards the stale delta metric.
func (n *NopMetrics) RecordStaleDelta() {
	// No-op
}

// RecordShadowBatch discards the shadow batch metric.
func (n *NopMetrics) RecordShadowBatch(_ /* sourceOwner */ types.WorkerID, _ /* entities */ int) {
	// No-op
}
