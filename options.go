package sidereal

import "github.com/Dastari/sidereal/types"

// Option configures a Coordinator with optional dependencies.
type Option func(*coordinatorOptions)

// coordinatorOptions holds optional Coordinator configuration.
type coordinatorOptions struct {
	hooks   *types.Hooks
	metrics types.MetricsCollector
	logger  types.Logger
	nodeID  string
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions (nil fields are no-ops)
//
// Returns:
//   - Option: Functional option for NewCoordinator
//
// Example:
//
//	hooks := &sidereal.Hooks{
//	    OnClusterAssigned: func(ctx context.Context, cluster sidereal.ClusterID, worker sidereal.WorkerID) error {
//	        return trackAssignment(cluster, worker)
//	    },
//	}
//	coord, err := sidereal.NewCoordinator(&cfg, conn, store, sidereal.WithHooks(hooks))
func WithHooks(hooks *types.Hooks) Option {
	return func(o *coordinatorOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewCoordinator
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "sidereal")
//	coord, err := sidereal.NewCoordinator(&cfg, conn, store, sidereal.WithMetrics(collector))
func WithMetrics(metrics types.MetricsCollector) Option {
	return func(o *coordinatorOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (slog-compatible key/value pairs)
//
// Returns:
//   - Option: Functional option for NewCoordinator
//
// Example:
//
//	log := logging.NewSlogDefault()
//	coord, err := sidereal.NewCoordinator(&cfg, conn, store, sidereal.WithLogger(log))
func WithLogger(logger types.Logger) Option {
	return func(o *coordinatorOptions) {
		o.logger = logger
	}
}

// WithNodeID sets the coordinator replica's identity for leader election.
//
// Defaults to a random UUID. Set an explicit ID when replica identity
// should be stable across restarts (e.g., the pod name).
//
// Parameters:
//   - nodeID: Replica identifier
//
// Returns:
//   - Option: Functional option for NewCoordinator
func WithNodeID(nodeID string) Option {
	return func(o *coordinatorOptions) {
		o.nodeID = nodeID
	}
}
