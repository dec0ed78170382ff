package types

import (
	"errors"
	"strings"
)

// Sentinel errors for the coordination layer.
//
// Components return these for known conditions and wrap external errors with
// context using fmt.Errorf("...: %w", err) so callers can use errors.Is.

// Coordinator errors - public API errors returned by the root package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when the NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrStorageRequired is returned when the storage collaborator is nil.
	ErrStorageRequired = errors.New("storage is required")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when operations require a started node.
	ErrNotStarted = errors.New("not started")
)

// Lifecycle errors - cluster state machine conditions.
var (
	// ErrUnknownCluster is returned for operations on a cluster id the
	// coordinator does not track.
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrUnknownWorker is returned for operations naming an unregistered worker.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrNoCapacity is returned when no worker is below the capacity
	// ceiling. The activation is queued and retried on the next sweep.
	ErrNoCapacity = errors.New("no worker within capacity bounds")

	// ErrInvalidClusterState is returned when a control message arrives for
	// a cluster whose state does not permit it. Out-of-order control
	// messages are rejected, never applied.
	ErrInvalidClusterState = errors.New("invalid cluster state for operation")

	// ErrClusterMidTransition is returned when rebalancing or release is
	// attempted on a cluster with an in-flight handoff.
	ErrClusterMidTransition = errors.New("cluster is mid-transition")
)

// Transition errors - entity handoff protocol conditions.
var (
	// ErrConsistencyFault indicates two workers claimed the same entity.
	// Replication for the entity halts; this is never resolved silently.
	ErrConsistencyFault = errors.New("conflicting entity ownership")

	// ErrEntityQuarantined is returned for operations on an entity whose
	// replication was halted by a consistency fault.
	ErrEntityQuarantined = errors.New("entity quarantined after consistency fault")

	// ErrTransitionTimeout is returned when a transition was resolved by
	// timer expiry using the most recent known state.
	ErrTransitionTimeout = errors.New("transition timed out")
)

// Common errors - shared across components.
var (
	// ErrNoKeysFound is returned when NATS KV reports no keys (an expected
	// condition, treated as an empty result).
	ErrNoKeysFound = errors.New("no keys found")

	// ErrConnectivity wraps transport failures so callers can detect
	// degraded connectivity with errors.Is without importing NATS types.
	ErrConnectivity = errors.New("connectivity error")
)

// IsNoKeysFoundError checks whether an error indicates that no keys were
// found in NATS KV.
//
// The condition may surface as a direct error ("nats: no keys found") or
// wrapped with context, so both the sentinel and the message are checked.
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
