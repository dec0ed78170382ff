package sidereal

import (
	"fmt"
	"time"

	goerrors "github.com/pixil98/go-errors"

	"github.com/Dastari/sidereal/types"
)

// WorldConfig describes the partition geometry. All workers and the
// coordinator must agree on these values; they are stamped into every
// AssignCluster message so a misconfigured worker fails loudly.
type WorldConfig struct {
	// SectorSize is the edge length of one sector in world units.
	SectorSize float64 `yaml:"sectorSize"`

	// ClusterDims is the cluster edge in sectors (3 means 3x3 clusters).
	ClusterDims int `yaml:"clusterDims"`

	// TransitionZoneWidth is the boundary band, in world units, within
	// which entities are mirrored to neighboring clusters.
	TransitionZoneWidth float64 `yaml:"transitionZoneWidth"`
}

// BalanceConfig controls placement scoring and rebalancing.
type BalanceConfig struct {
	// PlayerWeight multiplies player count in the load score.
	PlayerWeight float64 `yaml:"playerWeight"`

	// CapacityCeiling is the score above which a worker accepts no new
	// clusters.
	CapacityCeiling float64 `yaml:"capacityCeiling"`

	// ProximityPenalty is added for non-adjacent placements and subtracted
	// for adjacent ones, biasing clusters toward workers that already own
	// a neighbor.
	ProximityPenalty float64 `yaml:"proximityPenalty"`

	// RebalanceThreshold is the max-minus-min score spread that triggers a
	// rebalancing pass.
	RebalanceThreshold float64 `yaml:"rebalanceThreshold"`

	// MaxMovesPerSweep caps planned handoffs per sweep. Zero means no cap.
	MaxMovesPerSweep int `yaml:"maxMovesPerSweep"`
}

// KVBucketConfig names the NATS JetStream KV buckets used for coordination.
type KVBucketConfig struct {
	// WorkerIDBucket holds stable worker ID claims (no TTL; the
	// coordinator releases IDs explicitly).
	WorkerIDBucket string `yaml:"workerIdBucket"`

	// ElectionBucket holds the coordinator leadership lease.
	ElectionBucket string `yaml:"electionBucket"`

	// HeartbeatBucket holds worker heartbeats (TTL = HeartbeatTTL).
	HeartbeatBucket string `yaml:"heartbeatBucket"`

	// AssignmentBucket persists the cluster-to-worker map so a restarted
	// coordinator can reconcile instead of starting cold (no TTL).
	AssignmentBucket string `yaml:"assignmentBucket"`
}

// Config is the coordinator's configuration.
//
// All duration fields accept standard Go duration strings like "30s", "5m".
type Config struct {
	// World is the partition geometry shared by every node.
	World WorldConfig `yaml:"world"`

	// Balance controls placement and rebalancing.
	Balance BalanceConfig `yaml:"balance"`

	// KVBuckets names the coordination buckets.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`

	// EmptyTimeout is how long a cluster must stay empty before it is
	// deactivated and its state flushed to storage.
	EmptyTimeout time.Duration `yaml:"emptyTimeout"`

	// ActivateTimeout bounds a worker's cluster load. A Loading cluster
	// that misses the deadline is aborted and requeued.
	ActivateTimeout time.Duration `yaml:"activateTimeout"`

	// RebalanceInterval is the minimum time between rebalancing passes.
	RebalanceInterval time.Duration `yaml:"rebalanceInterval"`

	// SweepInterval is how often the leader runs the lifecycle and
	// transition sweeps.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// PendingTimeout bounds how long a transition request may stay parked
	// on a cluster activation before the activation is re-kicked.
	PendingTimeout time.Duration `yaml:"pendingTimeout"`

	// InitialStateChunkSize is the max entities per InitialState chunk.
	InitialStateChunkSize int `yaml:"initialStateChunkSize"`

	// HeartbeatInterval is how often workers publish heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// HeartbeatTTL is the liveness window. A worker whose heartbeat key
	// expires is treated as crashed and its clusters are force-released.
	// Must be at least 2x HeartbeatInterval.
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`

	// ElectionTTL is the leadership lease duration for coordinator
	// replicas. The active coordinator renews at ElectionTTL/3.
	ElectionTTL time.Duration `yaml:"electionTtl"`

	// RequestTimeout bounds individual control-plane request/reply calls.
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// StartupTimeout bounds Start: bucket creation, election, and
	// assignment reconciliation.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// ShutdownTimeout bounds graceful Stop.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// WorkerIDPoolSize caps concurrent workers ("shard-0" ... "shard-N-1").
	WorkerIDPoolSize int `yaml:"workerIdPoolSize"`
}

// DefaultConfig returns a Config with production defaults.
//
// The world geometry defaults mirror the simulation's native constants:
// 1000-unit sectors in 3x3 clusters with a 50-unit transition band.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		World: WorldConfig{
			SectorSize:          1000.0,
			ClusterDims:         3,
			TransitionZoneWidth: 50.0,
		},
		Balance: BalanceConfig{
			PlayerWeight:       10.0,
			CapacityCeiling:    1000.0,
			ProximityPenalty:   50.0,
			RebalanceThreshold: 500.0,
		},
		KVBuckets: KVBucketConfig{
			WorkerIDBucket:   "sidereal-worker-ids",
			ElectionBucket:   "sidereal-election",
			HeartbeatBucket:  "sidereal-heartbeat",
			AssignmentBucket: "sidereal-assignment",
		},
		EmptyTimeout:          300 * time.Second,
		ActivateTimeout:       30 * time.Second,
		RebalanceInterval:     60 * time.Second,
		SweepInterval:         5 * time.Second,
		PendingTimeout:        10 * time.Second,
		InitialStateChunkSize: 256,
		HeartbeatInterval:     2 * time.Second,
		HeartbeatTTL:          6 * time.Second,
		ElectionTTL:           15 * time.Second,
		RequestTimeout:        5 * time.Second,
		StartupTimeout:        30 * time.Second,
		ShutdownTimeout:       10 * time.Second,
		WorkerIDPoolSize:      256,
	}
}

// SetDefaults fills zero-valued fields with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.World.SectorSize == 0 {
		cfg.World.SectorSize = defaults.World.SectorSize
	}
	if cfg.World.ClusterDims == 0 {
		cfg.World.ClusterDims = defaults.World.ClusterDims
	}
	if cfg.World.TransitionZoneWidth == 0 {
		cfg.World.TransitionZoneWidth = defaults.World.TransitionZoneWidth
	}
	if cfg.Balance.PlayerWeight == 0 {
		cfg.Balance.PlayerWeight = defaults.Balance.PlayerWeight
	}
	if cfg.Balance.CapacityCeiling == 0 {
		cfg.Balance.CapacityCeiling = defaults.Balance.CapacityCeiling
	}
	if cfg.Balance.ProximityPenalty == 0 {
		cfg.Balance.ProximityPenalty = defaults.Balance.ProximityPenalty
	}
	if cfg.Balance.RebalanceThreshold == 0 {
		cfg.Balance.RebalanceThreshold = defaults.Balance.RebalanceThreshold
	}
	if cfg.KVBuckets.WorkerIDBucket == "" {
		cfg.KVBuckets.WorkerIDBucket = defaults.KVBuckets.WorkerIDBucket
	}
	if cfg.KVBuckets.ElectionBucket == "" {
		cfg.KVBuckets.ElectionBucket = defaults.KVBuckets.ElectionBucket
	}
	if cfg.KVBuckets.HeartbeatBucket == "" {
		cfg.KVBuckets.HeartbeatBucket = defaults.KVBuckets.HeartbeatBucket
	}
	if cfg.KVBuckets.AssignmentBucket == "" {
		cfg.KVBuckets.AssignmentBucket = defaults.KVBuckets.AssignmentBucket
	}
	if cfg.EmptyTimeout == 0 {
		cfg.EmptyTimeout = defaults.EmptyTimeout
	}
	if cfg.ActivateTimeout == 0 {
		cfg.ActivateTimeout = defaults.ActivateTimeout
	}
	if cfg.RebalanceInterval == 0 {
		cfg.RebalanceInterval = defaults.RebalanceInterval
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.PendingTimeout == 0 {
		cfg.PendingTimeout = defaults.PendingTimeout
	}
	if cfg.InitialStateChunkSize == 0 {
		cfg.InitialStateChunkSize = defaults.InitialStateChunkSize
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HeartbeatTTL == 0 {
		cfg.HeartbeatTTL = defaults.HeartbeatTTL
	}
	if cfg.ElectionTTL == 0 {
		cfg.ElectionTTL = defaults.ElectionTTL
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.WorkerIDPoolSize == 0 {
		cfg.WorkerIDPoolSize = defaults.WorkerIDPoolSize
	}
}

// Validate checks configuration constraints.
//
// All violations are collected and returned together so an operator fixes a
// bad config file in one pass instead of error-by-error.
//
// Returns:
//   - error: Joined validation errors, nil if valid
func (cfg *Config) Validate() error {
	errs := goerrors.NewErrorList()

	if cfg.World.SectorSize <= 0 {
		errs.Add(fmt.Errorf("sector size must be positive, got %v",
			cfg.World.SectorSize))
	}
	if cfg.World.ClusterDims < 1 {
		errs.Add(fmt.Errorf("cluster dims must be >= 1, got %d",
			cfg.World.ClusterDims))
	}
	if cfg.World.TransitionZoneWidth < 0 || cfg.World.TransitionZoneWidth >= cfg.World.SectorSize/2 {
		errs.Add(fmt.Errorf("transition zone width (%v) must be in [0, sectorSize/2)",
			cfg.World.TransitionZoneWidth))
	}
	if cfg.Balance.RebalanceThreshold <= 0 {
		errs.Add(fmt.Errorf("rebalance threshold must be positive, got %v",
			cfg.Balance.RebalanceThreshold))
	}
	if cfg.HeartbeatTTL < 2*cfg.HeartbeatInterval {
		errs.Add(fmt.Errorf("HeartbeatTTL (%v) must be >= 2*HeartbeatInterval (%v) to allow one missed heartbeat",
			cfg.HeartbeatTTL, cfg.HeartbeatInterval))
	}
	if cfg.ElectionTTL < 3*cfg.SweepInterval {
		errs.Add(fmt.Errorf("ElectionTTL (%v) must be >= 3*SweepInterval (%v) so the lease outlives sweep-loop renewal",
			cfg.ElectionTTL, cfg.SweepInterval))
	}
	if cfg.ActivateTimeout <= cfg.RequestTimeout {
		errs.Add(fmt.Errorf("ActivateTimeout (%v) must exceed RequestTimeout (%v)",
			cfg.ActivateTimeout, cfg.RequestTimeout))
	}
	if cfg.InitialStateChunkSize < 1 {
		errs.Add(fmt.Errorf("InitialStateChunkSize must be >= 1, got %d",
			cfg.InitialStateChunkSize))
	}
	if cfg.WorkerIDPoolSize < 1 {
		errs.Add(fmt.Errorf("WorkerIDPoolSize must be >= 1, got %d",
			cfg.WorkerIDPoolSize))
	}

	if err := errs.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}

	return nil
}

// ValidateWithWarnings logs warnings for legal but non-recommended values.
//
// Parameters:
//   - logger: Logger for warning output
func (cfg *Config) ValidateWithWarnings(logger types.Logger) {
	if cfg.RebalanceInterval < 3*cfg.SweepInterval {
		logger.Warn("RebalanceInterval is close to SweepInterval, clusters may thrash between workers",
			"rebalanceInterval", cfg.RebalanceInterval,
			"sweepInterval", cfg.SweepInterval,
		)
	}
	if cfg.EmptyTimeout < cfg.ActivateTimeout {
		logger.Warn("EmptyTimeout below ActivateTimeout, clusters may unload before finishing their load",
			"emptyTimeout", cfg.EmptyTimeout,
			"activateTimeout", cfg.ActivateTimeout,
		)
	}
}

// TestConfig returns a configuration with fast timings for tests.
//
// Use DefaultConfig for production deployments.
//
// Returns:
//   - Config: Configuration tuned for rapid test execution
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.EmptyTimeout = 500 * time.Millisecond
	cfg.ActivateTimeout = 2 * time.Second
	cfg.RebalanceInterval = 500 * time.Millisecond
	cfg.SweepInterval = 100 * time.Millisecond
	cfg.PendingTimeout = time.Second
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.HeartbeatTTL = time.Second
	cfg.ElectionTTL = 2 * time.Second
	cfg.RequestTimeout = time.Second
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	return cfg
}
