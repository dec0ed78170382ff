package types

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped into every control-plane message. Receivers
// reject messages with a newer major version than they understand.
const ProtocolVersion = 1

// Control-plane messages travel over the reliable, ordered channel and must
// never be silently dropped. Data-plane messages (EntityDeltaBatch,
// BoundaryShadowBatch) are best-effort and tick-superseded.

// RegisterWorker is a worker's registration handshake.
type RegisterWorker struct {
	Version int `json:"v"`

	// Name is an optional operator-facing label, not an identity.
	Name string `json:"name,omitempty"`
}

// RegistrationAck carries the coordinator-allocated worker id.
type RegistrationAck struct {
	Version  int      `json:"v"`
	WorkerID WorkerID `json:"worker_id"`
}

// DeregisterWorker is a worker's graceful shutdown notice. The coordinator
// force-releases the worker's clusters and frees its ID immediately instead
// of waiting for heartbeat expiry.
type DeregisterWorker struct {
	Version  int      `json:"v"`
	WorkerID WorkerID `json:"worker_id"`
}

// LoadReport is a worker's periodic load self-report.
//
// Reports ride the reliable channel but the protocol tolerates occasional
// loss: the next report supersedes a missing one.
type LoadReport struct {
	Version  int           `json:"v"`
	WorkerID WorkerID      `json:"worker_id"`
	Stats    LoadStats     `json:"stats"`
	Clusters []ClusterLoad `json:"clusters,omitempty"`
}

// AssignCluster instructs a worker to take ownership of a cluster. The bulk
// entity snapshot follows as one or more InitialState chunks.
type AssignCluster struct {
	Version             int         `json:"v"`
	ClusterID           ClusterID   `json:"cluster_id"`
	Base                SectorCoord `json:"base"`
	Dims                int         `json:"dims"`
	TransitionZoneWidth float64     `json:"transition_zone_width"`
}

// InitialState is one chunk of a cluster's bulk entity snapshot.
type InitialState struct {
	Version     int              `json:"v"`
	ClusterID   ClusterID        `json:"cluster_id"`
	Entities    []EntitySnapshot `json:"entities"`
	Chunk       int              `json:"chunk"`
	TotalChunks int              `json:"total_chunks"`
}

// ClusterReady acknowledges an AssignCluster once the worker has installed
// all InitialState chunks and is simulating.
type ClusterReady struct {
	Version   int       `json:"v"`
	WorkerID  WorkerID  `json:"worker_id"`
	ClusterID ClusterID `json:"cluster_id"`
}

// ReleaseCluster instructs the owning worker to stop simulating a cluster
// and flush its state to storage.
type ReleaseCluster struct {
	Version   int       `json:"v"`
	ClusterID ClusterID `json:"cluster_id"`
}

// ClusterReleased acknowledges a ReleaseCluster after the flush completed.
type ClusterReleased struct {
	Version   int       `json:"v"`
	WorkerID  WorkerID  `json:"worker_id"`
	ClusterID ClusterID `json:"cluster_id"`
}

// TransitionRequest reports an entity crossing from its current sector into
// a different sector. The request id is generated by the worker so that a
// retried request resolves to the same outcome without double-applying the
// handoff.
type TransitionRequest struct {
	Version      int            `json:"v"`
	RequestID    uuid.UUID      `json:"request_id"`
	EntityID     EntityID       `json:"entity_id"`
	SourceOwner  WorkerID       `json:"source_owner"`
	TargetSector SectorCoord    `json:"target_sector"`
	Snapshot     EntitySnapshot `json:"snapshot"`
}

// AcknowledgeTransition resolves a same-owner transition: the worker keeps
// the entity and only updates its sector bookkeeping.
type AcknowledgeTransition struct {
	Version   int         `json:"v"`
	RequestID uuid.UUID   `json:"request_id"`
	EntityID  EntityID    `json:"entity_id"`
	Sector    SectorCoord `json:"sector"`
	Cluster   ClusterID   `json:"cluster"`
}

// ConfirmExit tells the old owner that ownership has flipped. The old owner
// must not simulate the entity after processing it.
type ConfirmExit struct {
	Version   int       `json:"v"`
	RequestID uuid.UUID `json:"request_id"`
	EntityID  EntityID  `json:"entity_id"`
}

// EntityEnterSector delivers an entity's snapshot to its new owner. The new
// owner must not simulate the entity before processing it.
type EntityEnterSector struct {
	Version   int            `json:"v"`
	RequestID uuid.UUID      `json:"request_id"`
	EntityID  EntityID       `json:"entity_id"`
	Sector    SectorCoord    `json:"sector"`
	Cluster   ClusterID      `json:"cluster"`
	Snapshot  EntitySnapshot `json:"snapshot"`
}

// EntityDeltaBatch is the per-network-tick data-plane batch of entity deltas
// from one sender to one receiver.
type EntityDeltaBatch struct {
	Version int           `json:"v"`
	Owner   WorkerID      `json:"owner"`
	Tick    uint64        `json:"tick"`
	Deltas  []EntityDelta `json:"deltas"`
}

// BoundaryShadowBatch is a best-effort batch of near-boundary entities sent
// to a neighboring cluster's owner. Loss degrades visual freshness only.
type BoundaryShadowBatch struct {
	Version       int                `json:"v"`
	SourceOwner   WorkerID           `json:"source_owner"`
	SourceCluster ClusterID          `json:"source_cluster"`
	Timestamp     time.Time          `json:"timestamp"`
	Entities      []ShadowEntityData `json:"entities"`
}
