package types

import "time"

// WorkerID identifies a shard worker. IDs are allocated by the coordinator
// at registration ("shard-0", "shard-1", ...) and are stable for as long as
// the worker keeps its heartbeat alive.
type WorkerID string

// LoadStats is a worker's self-reported load, used by the balancer's
// scoring function.
type LoadStats struct {
	// EntityCount is the total number of authoritative entities simulated.
	EntityCount int `json:"entity_count"`

	// PlayerCount is the number of player-controlled entities. Players are
	// weighted more heavily than plain entities when scoring.
	PlayerCount int `json:"player_count"`

	// TickTimeMs is the worker's most recent simulation tick duration.
	TickTimeMs float64 `json:"tick_time_ms"`
}

// ClusterLoad is a worker's per-cluster occupancy report, carried inside a
// LoadReport. The coordinator uses OccupiedSectors to refresh each sector's
// LastEntitySeenAt and drive empty-cluster deactivation.
type ClusterLoad struct {
	ClusterID       ClusterID     `json:"cluster_id"`
	EntityCount     int           `json:"entity_count"`
	OccupiedSectors []SectorCoord `json:"occupied_sectors,omitempty"`
}

// WorkerView is a read-only snapshot of a registered worker, as handed to
// the balancer. Views are value copies; mutating one has no effect on the
// registry.
type WorkerView struct {
	ID              WorkerID
	Load            LoadStats
	OwnedClusters   []ClusterID
	OwnedBases      []SectorCoord
	LastHeartbeatAt time.Time
}
