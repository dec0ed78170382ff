package sidereal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Dastari/sidereal/balance"
	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/internal/election"
	"github.com/Dastari/sidereal/internal/heartbeat"
	"github.com/Dastari/sidereal/internal/hooks"
	"github.com/Dastari/sidereal/internal/kvutil"
	"github.com/Dastari/sidereal/internal/lifecycle"
	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/internal/transition"
	"github.com/Dastari/sidereal/internal/workerid"
	"github.com/Dastari/sidereal/registry"
	"github.com/Dastari/sidereal/types"
)

// KV key layout inside the coordination buckets.
const (
	heartbeatKeyPrefix  = heartbeat.DefaultPrefix
	electionKey         = "leader"
	assignmentKeyPrefix = "assign"
)

// Reply payloads for control-plane request/reply.
var (
	replyOK  = []byte("+OK")
	replyErr = []byte("-ERR ")
)

// ClusterInfo is the public view of one tracked cluster.
type ClusterInfo struct {
	Cluster types.ClusterID
	Base    types.SectorCoord
	Owner   types.WorkerID
	State   types.ClusterState
}

// assignmentRecord is the persisted form of one cluster assignment in the
// assignment KV bucket, keyed by cluster id for restart reconciliation.
type assignmentRecord struct {
	Cluster types.ClusterID   `json:"cluster"`
	Base    types.SectorCoord `json:"base"`
	Worker  types.WorkerID    `json:"worker"`
}

// Coordinator is the authority node of the coordination layer.
//
// It owns the cluster-to-worker map: workers register with it, report load
// to it, and ask it to arbitrate entity transitions. Exactly one replica
// acts at a time; standbys hold the same subscriptions dormant and compete
// for the leadership lease.
//
// Thread safety: all public methods are safe for concurrent use.
//
// Lifecycle:
//   - Create with NewCoordinator
//   - Call Start to join the election and begin coordinating
//   - Call Stop for graceful shutdown
type Coordinator struct {
	cfg     Config
	conn    *nats.Conn
	storage types.Storage
	logger  types.Logger
	metrics types.MetricsCollector
	hooks   types.Hooks
	nodeID  string

	grid        grid.Grid
	registry    *registry.Registry
	balancer    *balance.Balancer
	lifecycle   *lifecycle.Manager
	transitions *transition.Coordinator

	election  *election.Election
	allocator *workerid.Allocator

	assignmentKV jetstream.KeyValue
	heartbeatKV  jetstream.KeyValue

	isLeader atomic.Bool

	mu        sync.Mutex
	subs      []*nats.Subscription
	hbWatcher jetstream.KeyWatcher
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   bool
	wg        sync.WaitGroup
}

// NewCoordinator creates a coordinator node.
//
// Returns a concrete *Coordinator following the "accept interfaces, return
// structs" principle; consumers define their own narrow interfaces for
// mocking if needed.
//
// Parameters:
//   - cfg: Configuration (missing fields are filled with defaults)
//   - conn: NATS connection for all transport
//   - store: Snapshot storage collaborator
//   - opts: Optional dependencies (hooks, metrics, logger, node ID)
//
// Returns:
//   - *Coordinator: Initialized coordinator instance
//   - error: Validation error if configuration or dependencies are invalid
//
// Example:
//
//	cfg := sidereal.DefaultConfig()
//	coord, err := sidereal.NewCoordinator(&cfg, natsConn, storage.NewMemory())
func NewCoordinator(cfg *Config, conn *nats.Conn, store types.Storage, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}
	if store == nil {
		return nil, ErrStorageRequired
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &coordinatorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	log := options.logger
	if log == nil {
		log = logger.NewNop()
	}

	cfg.ValidateWithWarnings(log)

	var userHooks types.Hooks
	if options.hooks != nil {
		userHooks = *options.hooks
	}
	userHooks = hooks.Fill(userHooks)

	nodeID := options.nodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	c := &Coordinator{
		cfg:     *cfg,
		conn:    conn,
		storage: store,
		logger:  log,
		metrics: metricsCollector,
		hooks:   userHooks,
		nodeID:  nodeID,
	}

	c.grid = grid.New(cfg.World.SectorSize, cfg.World.ClusterDims)
	c.registry = registry.New()
	c.balancer = balance.New(c.grid, balance.Config{
		PlayerWeight:       cfg.Balance.PlayerWeight,
		CapacityCeiling:    cfg.Balance.CapacityCeiling,
		ProximityPenalty:   cfg.Balance.ProximityPenalty,
		RebalanceThreshold: cfg.Balance.RebalanceThreshold,
		MaxMovesPerSweep:   cfg.Balance.MaxMovesPerSweep,
	})

	c.lifecycle = lifecycle.NewManager(lifecycle.Config{
		EmptyTimeout:          cfg.EmptyTimeout,
		ActivateTimeout:       cfg.ActivateTimeout,
		RebalanceInterval:     cfg.RebalanceInterval,
		TransitionZoneWidth:   cfg.World.TransitionZoneWidth,
		InitialStateChunkSize: cfg.InitialStateChunkSize,
	}, lifecycle.Deps{
		Grid:     c.grid,
		Registry: c.registry,
		Balancer: c.balancer,
		Storage:  store,
		Sender:   (*controlSender)(c),
		Logger:   log,
		Metrics:  metricsCollector,
		Hooks:    c.lifecycleHooks(),
	})

	c.transitions = transition.NewCoordinator(transition.Config{
		PendingTimeout: cfg.PendingTimeout,
	}, transition.Deps{
		Sender:   (*controlSender)(c),
		Resolver: c.lifecycle,
		Logger:   log,
		Metrics:  metricsCollector,
		Hooks:    userHooks,
	})

	// Cluster activations resolve parked transitions and refresh the
	// persisted assignment map.
	c.lifecycle.SetActivatedFunc(func(cluster types.ClusterID, base types.SectorCoord, owner types.WorkerID) {
		ctx := c.runContext()
		c.persistAssignment(ctx, cluster, base, owner)
		c.transitions.HandleClusterActive(ctx, cluster, base, owner)
	})

	return c, nil
}

// lifecycleHooks wraps the user hooks so the coordinator observes cluster
// releases for assignment-map maintenance before forwarding the event.
func (c *Coordinator) lifecycleHooks() types.Hooks {
	wrapped := c.hooks
	userReleased := wrapped.OnClusterReleased
	wrapped.OnClusterReleased = func(ctx context.Context, cluster types.ClusterID, worker types.WorkerID) error {
		c.deleteAssignment(ctx, cluster)
		return userReleased(ctx, cluster, worker)
	}

	return wrapped
}

// Start joins the election and begins coordinating.
//
// Blocks until the KV buckets exist and the election has been decided;
// standbys return successfully and wait for leadership in the background.
//
// Parameters:
//   - ctx: Context for startup timeout and cancellation
//
// Returns:
//   - error: Startup error or context cancellation
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()

		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	startupCtx := ctx
	if c.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startupCtx, cancel = context.WithTimeout(ctx, c.cfg.StartupTimeout)
		defer cancel()
	}

	js, err := jetstream.New(c.conn)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	workerIDKV, err := c.ensureBucket(startupCtx, js, c.cfg.KVBuckets.WorkerIDBucket, 0)
	if err != nil {
		return fmt.Errorf("failed to create worker ID KV: %w", err)
	}

	electionKV, err := c.ensureBucket(startupCtx, js, c.cfg.KVBuckets.ElectionBucket, c.cfg.ElectionTTL)
	if err != nil {
		return fmt.Errorf("failed to create election KV: %w", err)
	}

	c.heartbeatKV, err = c.ensureBucket(startupCtx, js, c.cfg.KVBuckets.HeartbeatBucket, c.cfg.HeartbeatTTL)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat KV: %w", err)
	}

	c.assignmentKV, err = c.ensureBucket(startupCtx, js, c.cfg.KVBuckets.AssignmentBucket, 0)
	if err != nil {
		return fmt.Errorf("failed to create assignment KV: %w", err)
	}

	c.allocator = workerid.NewAllocator(workerIDKV, workerid.DefaultPrefix, c.cfg.WorkerIDPoolSize, c.logger)
	c.election = election.New(electionKV, electionKey)

	leader, err := c.election.Acquire(startupCtx, c.nodeID)
	if err != nil {
		return fmt.Errorf("failed to join election: %w", err)
	}

	if leader {
		if err := c.becomeLeader(startupCtx); err != nil {
			return err
		}
	} else {
		c.logger.Info("standing by as coordinator follower", "node_id", c.nodeID)
	}

	c.wg.Add(2)
	go c.leadershipLoop()
	go c.sweepLoop()

	return nil
}

// Stop gracefully shuts the coordinator down.
//
// Releases the leadership lease (if held) so a standby takes over
// immediately, drains subscriptions and waits for background goroutines.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: Shutdown error or timeout
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx == nil || c.stopped {
		c.mu.Unlock()

		return ErrNotStarted
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.resignLeader()

	var shutdownErr error
	if c.election != nil && c.isLeader.Load() {
		if err := c.election.Release(ctx); err != nil && !errors.Is(err, election.ErrNotLeader) {
			c.logger.Error("failed to release leadership", "error", err)
			shutdownErr = fmt.Errorf("leadership release failed: %w", err)
		}
		c.isLeader.Store(false)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("coordinator stopped gracefully", "node_id", c.nodeID)
		return shutdownErr
	case <-ctx.Done():
		c.logger.Error("shutdown timeout exceeded, some goroutines may still be running")
		if shutdownErr == nil {
			return ctx.Err()
		}

		return fmt.Errorf("shutdown timeout: %w; additional error: %w", ctx.Err(), shutdownErr)
	}
}

// IsLeader reports whether this replica currently drives assignments.
func (c *Coordinator) IsLeader() bool {
	return c.isLeader.Load()
}

// NodeID returns this replica's election identity.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// Workers returns a snapshot of the registered workers.
func (c *Coordinator) Workers() []types.WorkerView {
	return c.registry.Snapshot()
}

// LookupSector resolves the cluster covering a sector.
//
// Parameters:
//   - sector: Sector coordinate to resolve
//
// Returns:
//   - ClusterInfo: Owning cluster, its worker and state
//   - bool: false if the sector's cluster is not tracked
func (c *Coordinator) LookupSector(sector types.SectorCoord) (ClusterInfo, bool) {
	info, ok := c.lifecycle.ResolveTarget(sector)
	if !ok {
		return ClusterInfo{}, false
	}

	return ClusterInfo{Cluster: info.Cluster, Base: info.Base, Owner: info.Owner, State: info.State}, true
}

// ActivateCluster requests activation of the cluster with the given base.
//
// Used to seed initial world regions. The activation is queued when no
// worker has capacity and retried by the sweep.
//
// Parameters:
//   - ctx: Context for the triggered control-plane sends
//   - base: Cluster base sector coordinate
//
// Returns:
//   - error: ErrNotStarted if the coordinator is not running
func (c *Coordinator) ActivateCluster(ctx context.Context, base types.SectorCoord) error {
	if c.runContextOrNil() == nil {
		return ErrNotStarted
	}

	c.lifecycle.Activate(ctx, base)

	return nil
}

// DeactivateCluster requests an orderly unload of the cluster at base.
//
// Parameters:
//   - ctx: Context for the triggered control-plane sends
//   - base: Cluster base sector coordinate
//
// Returns:
//   - error: ErrUnknownCluster if untracked, ErrInvalidClusterState if the
//     cluster is not Active
func (c *Coordinator) DeactivateCluster(ctx context.Context, base types.SectorCoord) error {
	if c.runContextOrNil() == nil {
		return ErrNotStarted
	}

	return c.lifecycle.Deactivate(ctx, base)
}

// becomeLeader installs the control-plane subscriptions, starts watching
// worker heartbeats and reconciles persisted assignments.
func (c *Coordinator) becomeLeader(ctx context.Context) error {
	c.isLeader.Store(true)
	c.logger.Info("elected as coordinator leader", "node_id", c.nodeID)

	if err := c.subscribeControl(); err != nil {
		return fmt.Errorf("failed to subscribe control plane: %w", err)
	}

	if err := c.watchHeartbeats(); err != nil {
		return fmt.Errorf("failed to watch heartbeats: %w", err)
	}

	if err := c.recoverAssignments(ctx); err != nil {
		// Recovery failure is not fatal: the world map rebuilds as
		// workers re-register and entities move.
		c.logger.Error("assignment recovery failed", "error", err)
	}

	return nil
}

// resignLeader tears down the leader-only machinery.
func (c *Coordinator) resignLeader() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	watcher := c.hbWatcher
	c.hbWatcher = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			c.logger.Error("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			c.logger.Error("failed to stop heartbeat watcher", "error", err)
		}
	}
}

// leadershipLoop renews the lease while leading and competes for it while
// following.
func (c *Coordinator) leadershipLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ElectionTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.isLeader.Load() {
				if err := c.election.Renew(c.ctx); err != nil {
					c.logger.Warn("lost coordinator leadership", "node_id", c.nodeID, "error", err)
					c.isLeader.Store(false)
					c.resignLeader()
				}

				continue
			}

			leader, err := c.election.Acquire(c.ctx, c.nodeID)
			if err != nil {
				c.logger.Error("failed to compete for leadership", "error", err)

				continue
			}
			if leader {
				if err := c.becomeLeader(c.ctx); err != nil {
					c.logger.Error("failed to assume leadership", "error", err)
					c.isLeader.Store(false)
					c.resignLeader()
					if relErr := c.election.Release(c.ctx); relErr != nil {
						c.logger.Error("failed to release lease after failed takeover", "error", relErr)
					}
				}
			}
		}
	}
}

// sweepLoop drives the periodic lifecycle and transition sweeps on the
// leader. Both sweeps are idempotent, so frequency only affects latency.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.isLeader.Load() {
				continue
			}

			c.lifecycle.Sweep(c.ctx)
			c.transitions.Sweep(c.ctx)
		}
	}
}

// subscribeControl installs the worker-facing control-plane handlers.
func (c *Coordinator) subscribeControl() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{types.SubjectRegister, c.handleRegister},
		{types.SubjectDeregister, c.handleDeregister},
		{types.SubjectLoadReport, c.handleLoadReport},
		{types.SubjectClusterReady, c.handleClusterReady},
		{types.SubjectClusterReleased, c.handleClusterReleased},
		{types.SubjectTransition, c.handleTransition},
	}

	subs := make([]*nats.Subscription, 0, len(handlers))
	for _, h := range handlers {
		sub, err := c.conn.Subscribe(h.subject, h.handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}

			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()

	return nil
}

// watchHeartbeats follows the heartbeat bucket and translates key expiry
// into worker-loss handling.
func (c *Coordinator) watchHeartbeats() error {
	watcher, err := c.heartbeatKV.Watch(c.ctx, heartbeatKeyPrefix+".>")
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.hbWatcher = watcher
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-c.ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial replay.
					continue
				}

				worker, ok := heartbeat.WorkerFromKey(heartbeatKeyPrefix, entry.Key())
				if !ok {
					continue
				}

				switch entry.Operation() {
				case jetstream.KeyValuePut:
					if err := c.registry.Heartbeat(worker, time.Now()); err != nil {
						c.logger.Debug("heartbeat from unregistered worker", "worker_id", worker)
					}
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					c.handleWorkerGone(worker)
				}
			}
		}
	}()

	return nil
}

// handleWorkerGone force-releases a vanished worker's clusters and frees
// its ID.
func (c *Coordinator) handleWorkerGone(worker types.WorkerID) {
	view, ok := c.registry.Get(worker)
	if !ok {
		return
	}

	c.logger.Warn("worker heartbeat lapsed, force-releasing clusters",
		"worker_id", worker,
		"clusters", len(view.OwnedClusters),
	)

	c.lifecycle.HandleWorkerLost(c.ctx, view)
	c.registry.Deregister(worker)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.allocator.Release(ctx, worker); err != nil && !errors.Is(err, workerid.ErrNotAllocated) {
		c.logger.Error("failed to release worker ID", "worker_id", worker, "error", err)
	}
}

// handleRegister allocates a worker ID and registers the worker.
func (c *Coordinator) handleRegister(msg *nats.Msg) {
	var req types.RegisterWorker
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respondErr(msg, fmt.Errorf("malformed register request: %w", err))

		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	id, err := c.allocator.Allocate(ctx)
	if err != nil {
		c.respondErr(msg, fmt.Errorf("failed to allocate worker ID: %w", err))

		return
	}

	c.registry.Register(id, req.Name)
	c.logger.Info("worker registered", "worker_id", id, "name", req.Name)

	ack, err := json.Marshal(types.RegistrationAck{Version: types.ProtocolVersion, WorkerID: id})
	if err != nil {
		c.respondErr(msg, err)

		return
	}

	if err := msg.Respond(ack); err != nil {
		c.logger.Error("failed to send registration ack", "worker_id", id, "error", err)
	}
}

// handleDeregister processes a graceful worker shutdown.
func (c *Coordinator) handleDeregister(msg *nats.Msg) {
	var req types.DeregisterWorker
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respondErr(msg, fmt.Errorf("malformed deregister request: %w", err))

		return
	}

	c.handleWorkerGone(req.WorkerID)
	c.respondOK(msg)
}

// handleLoadReport refreshes registry load and cluster occupancy.
func (c *Coordinator) handleLoadReport(msg *nats.Msg) {
	var report types.LoadReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		c.logger.Debug("malformed load report", "error", err)

		return
	}

	if err := c.registry.UpdateLoad(report.WorkerID, report.Stats); err != nil {
		c.logger.Debug("load report from unregistered worker", "worker_id", report.WorkerID)

		return
	}

	if err := c.lifecycle.HandleLoadReport(report); err != nil {
		c.logger.Debug("load report rejected", "worker_id", report.WorkerID, "error", err)
	}
}

// handleClusterReady completes a cluster activation.
func (c *Coordinator) handleClusterReady(msg *nats.Msg) {
	var ready types.ClusterReady
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		c.respondErr(msg, fmt.Errorf("malformed cluster ready: %w", err))

		return
	}

	if err := c.lifecycle.HandleClusterReady(c.ctx, ready); err != nil {
		c.respondErr(msg, err)

		return
	}

	c.respondOK(msg)
}

// handleClusterReleased completes a cluster release.
func (c *Coordinator) handleClusterReleased(msg *nats.Msg) {
	var released types.ClusterReleased
	if err := json.Unmarshal(msg.Data, &released); err != nil {
		c.respondErr(msg, fmt.Errorf("malformed cluster released: %w", err))

		return
	}

	if err := c.lifecycle.HandleClusterReleased(c.ctx, released); err != nil {
		c.respondErr(msg, err)

		return
	}

	c.respondOK(msg)
}

// handleTransition arbitrates an entity boundary crossing.
func (c *Coordinator) handleTransition(msg *nats.Msg) {
	var req types.TransitionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respondErr(msg, fmt.Errorf("malformed transition request: %w", err))

		return
	}

	if err := c.transitions.HandleRequest(c.ctx, req); err != nil {
		c.respondErr(msg, err)

		return
	}

	c.respondOK(msg)
}

func (c *Coordinator) respondOK(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(replyOK); err != nil {
		c.logger.Error("failed to respond", "subject", msg.Subject, "error", err)
	}
}

func (c *Coordinator) respondErr(msg *nats.Msg, cause error) {
	c.logger.Warn("control request failed", "subject", msg.Subject, "error", cause)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(append(replyErr, cause.Error()...)); err != nil {
		c.logger.Error("failed to respond", "subject", msg.Subject, "error", err)
	}
}

// recoverAssignments reloads the persisted cluster map and re-queues every
// cluster for activation. Workers are not yet registered right after a
// restart, so activations queue and drain as registrations arrive.
func (c *Coordinator) recoverAssignments(ctx context.Context) error {
	keys, err := c.assignmentKV.Keys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return nil
		}

		return fmt.Errorf("failed to list persisted assignments: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		entry, err := c.assignmentKV.Get(ctx, key)
		if err != nil {
			c.logger.Error("failed to load persisted assignment", "key", key, "error", err)

			continue
		}

		var rec assignmentRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			c.logger.Error("corrupt persisted assignment", "key", key, "error", err)

			continue
		}

		c.lifecycle.Activate(ctx, rec.Base)
		recovered++
	}

	if recovered > 0 {
		c.logger.Info("recovered persisted assignments", "clusters", recovered)
	}

	return nil
}

func (c *Coordinator) persistAssignment(ctx context.Context, cluster types.ClusterID, base types.SectorCoord, worker types.WorkerID) {
	if c.assignmentKV == nil {
		return
	}

	data, err := json.Marshal(assignmentRecord{Cluster: cluster, Base: base, Worker: worker})
	if err != nil {
		c.logger.Error("failed to encode assignment", "cluster_id", cluster, "error", err)

		return
	}

	putCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	key := fmt.Sprintf("%s.%s", assignmentKeyPrefix, cluster)
	if _, err := c.assignmentKV.Put(putCtx, key, data); err != nil {
		c.logger.Error("failed to persist assignment", "cluster_id", cluster, "error", err)
	}
}

func (c *Coordinator) deleteAssignment(ctx context.Context, cluster types.ClusterID) {
	if c.assignmentKV == nil {
		return
	}

	delCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	key := fmt.Sprintf("%s.%s", assignmentKeyPrefix, cluster)
	if err := c.assignmentKV.Delete(delCtx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		c.logger.Error("failed to delete persisted assignment", "cluster_id", cluster, "error", err)
	}
}

func (c *Coordinator) ensureBucket(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	cfg := jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	}
	if ttl > 0 {
		cfg.TTL = ttl
	}

	return kvutil.EnsureBucket(ctx, js, cfg, 5)
}

// runContext returns the coordinator's lifetime context, or Background
// before Start (the activated callback can fire from tests driving the
// lifecycle directly).
func (c *Coordinator) runContext() context.Context {
	if ctx := c.runContextOrNil(); ctx != nil {
		return ctx
	}

	return context.Background()
}

func (c *Coordinator) runContextOrNil() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ctx
}

// controlSender sends coordinator-to-worker control messages as JSON
// request/reply over the worker's inbox subjects. A typed view of the
// Coordinator so the lifecycle and transition packages see narrow
// interfaces instead of the whole node.
type controlSender Coordinator

var (
	_ lifecycle.ControlSender = (*controlSender)(nil)
	_ transition.Sender       = (*controlSender)(nil)
)

func (s *controlSender) SendAssign(ctx context.Context, worker types.WorkerID, msg types.AssignCluster) error {
	return s.request(ctx, types.WorkerSubject(worker, types.WorkerMsgAssign), msg)
}

func (s *controlSender) SendInitialState(ctx context.Context, worker types.WorkerID, msg types.InitialState) error {
	return s.request(ctx, types.WorkerSubject(worker, types.WorkerMsgState), msg)
}

func (s *controlSender) SendRelease(ctx context.Context, worker types.WorkerID, msg types.ReleaseCluster) error {
	return s.request(ctx, types.WorkerSubject(worker, types.WorkerMsgRelease), msg)
}

func (s *controlSender) SendAck(ctx context.Context, worker types.WorkerID, msg types.AcknowledgeTransition) error {
	return s.request(ctx, types.WorkerSubject(worker, types.WorkerMsgAck), msg)
}

func (s *controlSender) SendEnter(ctx context.Context, worker types.WorkerID, msg types.EntityEnterSector) error {
	return s.request(ctx, types.WorkerSubject(worker, types.WorkerMsgEnter), msg)
}

func (s *controlSender) SendConfirmExit(ctx context.Context, worker types.WorkerID, msg types.ConfirmExit) error {
	return s.request(ctx, types.WorkerSubject(worker, types.WorkerMsgExit), msg)
}

func (s *controlSender) request(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", subject, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	reply, err := s.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}

	if bytes.HasPrefix(reply.Data, replyErr) {
		return fmt.Errorf("request %s rejected: %s", subject, bytes.TrimPrefix(reply.Data, replyErr))
	}

	return nil
}
