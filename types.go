package sidereal

import "github.com/Dastari/sidereal/types"

// Re-exports from the types subpackage.
//
// Internal packages depend on types/ to avoid import cycles; these aliases
// give users the convenient sidereal.WorkerID, sidereal.Logger spellings
// without importing two packages.
type (
	Vec2         = types.Vec2
	SectorCoord  = types.SectorCoord
	Sector       = types.Sector
	Cluster      = types.Cluster
	ClusterID    = types.ClusterID
	ClusterState = types.ClusterState
	Region       = types.Region

	WorkerID   = types.WorkerID
	LoadStats  = types.LoadStats
	WorkerView = types.WorkerView

	EntityID       = types.EntityID
	EntitySnapshot = types.EntitySnapshot
	EntityDelta    = types.EntityDelta

	Logger           = types.Logger
	MetricsCollector = types.MetricsCollector
	Hooks            = types.Hooks
	Storage          = types.Storage
)

// Re-exported cluster lifecycle states.
const (
	ClusterUnloaded  = types.ClusterUnloaded
	ClusterLoading   = types.ClusterLoading
	ClusterActive    = types.ClusterActive
	ClusterUnloading = types.ClusterUnloading
)
