package sidereal

import "github.com/Dastari/sidereal/types"

// Sentinel errors re-exported from types for callers that only import the
// root package. Internal packages return these same values, so errors.Is
// works across the API boundary.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrNATSConnectionRequired is returned when the NATS connection is nil.
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired

	// ErrStorageRequired is returned when the storage collaborator is nil.
	ErrStorageRequired = types.ErrStorageRequired

	// ErrAlreadyStarted is returned when Start is called on a running node.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when operations require a started node.
	ErrNotStarted = types.ErrNotStarted

	// ErrUnknownCluster is returned for operations on an untracked cluster.
	ErrUnknownCluster = types.ErrUnknownCluster

	// ErrUnknownWorker is returned for operations naming an unregistered
	// worker.
	ErrUnknownWorker = types.ErrUnknownWorker

	// ErrNoCapacity is returned when no worker is below the capacity
	// ceiling.
	ErrNoCapacity = types.ErrNoCapacity

	// ErrConsistencyFault indicates two workers claimed the same entity.
	ErrConsistencyFault = types.ErrConsistencyFault

	// ErrEntityQuarantined is returned for operations on an entity halted
	// by a consistency fault.
	ErrEntityQuarantined = types.ErrEntityQuarantined
)
