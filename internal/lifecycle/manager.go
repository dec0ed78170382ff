package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dastari/sidereal/balance"
	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/internal/hooks"
	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/registry"
	"github.com/Dastari/sidereal/types"
)

// Default timing parameters.
const (
	// DefaultEmptyTimeout is how long a cluster's sectors must report zero
	// entities before the cluster is deactivated.
	DefaultEmptyTimeout = 300 * time.Second

	// DefaultActivateTimeout bounds how long a cluster may sit in Loading
	// before the assignment is abandoned and requeued.
	DefaultActivateTimeout = 30 * time.Second

	// DefaultRebalanceInterval is the minimum spacing between rebalance
	// planning passes.
	DefaultRebalanceInterval = 60 * time.Second

	// DefaultInitialStateChunkSize is the number of entity snapshots per
	// InitialState chunk.
	DefaultInitialStateChunkSize = 256
)

// ControlSender is the reliable outbound channel to workers. Implementations
// must not silently drop messages: an undeliverable message returns an error
// so the caller can requeue the operation.
type ControlSender interface {
	SendAssign(ctx context.Context, worker types.WorkerID, msg types.AssignCluster) error
	SendInitialState(ctx context.Context, worker types.WorkerID, msg types.InitialState) error
	SendRelease(ctx context.Context, worker types.WorkerID, msg types.ReleaseCluster) error
}

// Config tunes the lifecycle manager. Zero fields fall back to the defaults.
type Config struct {
	EmptyTimeout          time.Duration
	ActivateTimeout       time.Duration
	RebalanceInterval     time.Duration
	TransitionZoneWidth   float64
	InitialStateChunkSize int
}

// Deps are the manager's collaborators. Logger, Metrics and Hooks may be
// left unset; no-op implementations are substituted.
type Deps struct {
	Grid     grid.Grid
	Registry *registry.Registry
	Balancer *balance.Balancer
	Storage  types.Storage
	Sender   ControlSender
	Logger   types.Logger
	Metrics  types.MetricsCollector
	Hooks    types.Hooks
}

// record is the manager's mutable per-cluster state.
type record struct {
	id    types.ClusterID
	base  types.SectorCoord
	state types.ClusterState
	owner types.WorkerID

	entityCount      int
	lastEntitySeenAt time.Time
	loadingSince     time.Time

	// frozen marks a cluster with an in-flight rebalance handoff; the
	// balancer must not plan another move for it.
	frozen bool

	// nextOwner pins the destination of a planned rebalance move, applied
	// when the old owner confirms the release.
	nextOwner types.WorkerID

	// pendingEntities are snapshots carried by transitions into this
	// cluster while it was unassigned, appended to the initial state.
	pendingEntities []types.EntitySnapshot
}

// TargetInfo is the resolution of a sector to its cluster assignment.
type TargetInfo struct {
	Cluster types.ClusterID
	Base    types.SectorCoord
	Owner   types.WorkerID
	State   types.ClusterState
}

// Manager maintains the cluster map and state machine. All exported methods
// are safe for concurrent use; ownership state is mutated under one mutex
// (single writer per cluster).
type Manager struct {
	mu sync.Mutex

	cfg     Config
	grid    grid.Grid
	reg     *registry.Registry
	bal     *balance.Balancer
	store   types.Storage
	sender  ControlSender
	logger  types.Logger
	metrics types.MetricsCollector
	hooks   types.Hooks

	clusters map[types.SectorCoord]*record
	byID     map[types.ClusterID]*record

	// queue holds bases awaiting activation, in arrival order.
	queue  []types.SectorCoord
	queued map[types.SectorCoord]bool

	lastRebalanceAt time.Time

	// onActive is invoked, outside the lock, whenever a cluster reaches
	// Active. The transition coordinator uses it to resume handoffs that
	// were waiting on an activation.
	onActive func(cluster types.ClusterID, base types.SectorCoord, owner types.WorkerID)

	nowFunc func() time.Time
}

// NewManager creates a lifecycle manager.
//
// Parameters:
//   - cfg: timing and chunking configuration; zero fields use defaults
//   - deps: collaborator set; Grid, Registry, Balancer, Storage and Sender
//     are required
//
// Returns:
//   - *Manager: a manager with an empty cluster map
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.EmptyTimeout <= 0 {
		cfg.EmptyTimeout = DefaultEmptyTimeout
	}
	if cfg.ActivateTimeout <= 0 {
		cfg.ActivateTimeout = DefaultActivateTimeout
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = DefaultRebalanceInterval
	}
	if cfg.TransitionZoneWidth <= 0 {
		cfg.TransitionZoneWidth = grid.DefaultTransitionZoneWidth
	}
	if cfg.InitialStateChunkSize <= 0 {
		cfg.InitialStateChunkSize = DefaultInitialStateChunkSize
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	return &Manager{
		cfg:      cfg,
		grid:     deps.Grid,
		reg:      deps.Registry,
		bal:      deps.Balancer,
		store:    deps.Storage,
		sender:   deps.Sender,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		hooks:    hooks.Fill(deps.Hooks),
		clusters: make(map[types.SectorCoord]*record),
		byID:     make(map[types.ClusterID]*record),
		queued:   make(map[types.SectorCoord]bool),
		nowFunc:  time.Now,
	}
}

// SetClock replaces the manager's time source. Test use only.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = clock
}

// SetActivatedFunc registers the callback invoked when a cluster reaches
// Active. Must be called before the manager starts receiving messages.
func (m *Manager) SetActivatedFunc(f func(cluster types.ClusterID, base types.SectorCoord, owner types.WorkerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActive = f
}

// Activate requests that the cluster at base be loaded onto a worker.
//
// Idempotent: a cluster already Loading or Active is left alone. If no
// worker has capacity, or the assignment cannot be delivered, the request is
// queued and retried by the next sweep; this is reported but not an error.
//
// Parameters:
//   - ctx: context for storage reads and sends
//   - base: base sector coordinate of the cluster
//   - pending: entity snapshots to carry into the cluster's initial state
//     (transitions into an unassigned cluster)
func (m *Manager) Activate(ctx context.Context, base types.SectorCoord, pending ...types.EntitySnapshot) {
	m.mu.Lock()
	rec := m.ensureLocked(base)
	rec.pendingEntities = append(rec.pendingEntities, pending...)

	switch rec.state {
	case types.ClusterLoading, types.ClusterActive:
		m.mu.Unlock()
		return
	case types.ClusterUnloading:
		// Re-activation after the in-flight release completes.
		m.enqueueLocked(base)
		m.mu.Unlock()
		return
	case types.ClusterUnloaded:
	}
	m.mu.Unlock()

	if err := m.startLoading(ctx, rec, ""); err != nil {
		m.logger.Warn("cluster activation deferred",
			"base", base.String(), "error", err)
		m.mu.Lock()
		m.enqueueLocked(base)
		m.mu.Unlock()
		m.runHook(ctx, func(ctx context.Context) error {
			return m.hooks.OnError(ctx, fmt.Errorf("activate %s: %w", base, err))
		})
	}
}

// startLoading selects an owner (unless pinned), transitions the cluster to
// Loading and delivers the assignment plus the region's bulk snapshot. The
// snapshot load and the sends run without m.mu held so transition
// resolution is never stalled behind a request round-trip. On failure the
// cluster is left Unloaded and the error returned for requeueing.
//
// Callers must not hold m.mu.
func (m *Manager) startLoading(ctx context.Context, rec *record, pinned types.WorkerID) error {
	owner := pinned
	if owner == "" {
		picked, err := m.bal.PickWorker(m.reg.Snapshot(), rec.base)
		if err != nil {
			return err
		}
		owner = picked
	}

	m.mu.Lock()
	if rec.state != types.ClusterUnloaded {
		// A concurrent activation won the race.
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(rec, types.ClusterLoading)
	rec.owner = owner
	rec.loadingSince = m.nowFunc()
	if err := m.reg.AddCluster(owner, rec.id, rec.base); err != nil {
		m.setStateLocked(rec, types.ClusterUnloaded)
		rec.owner = ""
		m.mu.Unlock()
		return err
	}
	carried := rec.pendingEntities
	rec.pendingEntities = nil
	m.mu.Unlock()

	if err := m.deliverAssignment(ctx, rec, owner, carried); err != nil {
		m.mu.Lock()
		rec.pendingEntities = append(carried, rec.pendingEntities...)
		if rec.state == types.ClusterLoading && rec.owner == owner {
			m.abortLoadingLocked(rec)
		}
		m.mu.Unlock()
		return err
	}

	return nil
}

// deliverAssignment loads the region's snapshot and streams the assignment
// plus initial state to the new owner. rec's id and base are immutable, so
// no lock is needed here.
func (m *Manager) deliverAssignment(ctx context.Context, rec *record, owner types.WorkerID, carried []types.EntitySnapshot) error {
	region := types.Region{Base: rec.base, Dims: m.grid.ClusterDims()}
	entities, err := m.store.LoadSnapshot(ctx, region)
	if err != nil {
		return fmt.Errorf("load snapshot for %s: %w", region, err)
	}
	entities = append(entities, carried...)

	assign := types.AssignCluster{
		Version:             types.ProtocolVersion,
		ClusterID:           rec.id,
		Base:                rec.base,
		Dims:                m.grid.ClusterDims(),
		TransitionZoneWidth: m.cfg.TransitionZoneWidth,
	}
	if err := m.sender.SendAssign(ctx, owner, assign); err != nil {
		return fmt.Errorf("send assignment to %s: %w", owner, err)
	}

	if err := m.sendInitialState(ctx, rec, owner, entities); err != nil {
		return err
	}

	m.logger.Info("cluster loading",
		"cluster", rec.id.String(), "base", rec.base.String(),
		"worker", string(owner), "entities", len(entities))

	return nil
}

// sendInitialState streams the bulk snapshot in fixed-size chunks. An
// empty region still sends one empty chunk so the worker can detect
// completeness.
func (m *Manager) sendInitialState(ctx context.Context, rec *record, owner types.WorkerID, entities []types.EntitySnapshot) error {
	size := m.cfg.InitialStateChunkSize
	total := (len(entities) + size - 1) / size
	if total == 0 {
		total = 1
	}

	for chunk := 0; chunk < total; chunk++ {
		lo := chunk * size
		hi := min(lo+size, len(entities))
		msg := types.InitialState{
			Version:     types.ProtocolVersion,
			ClusterID:   rec.id,
			Entities:    entities[lo:hi],
			Chunk:       chunk,
			TotalChunks: total,
		}
		if err := m.sender.SendInitialState(ctx, owner, msg); err != nil {
			return fmt.Errorf("send initial state chunk %d/%d to %s: %w", chunk, total, owner, err)
		}
	}

	return nil
}

func (m *Manager) abortLoadingLocked(rec *record) {
	m.reg.RemoveCluster(rec.owner, rec.id)
	m.setStateLocked(rec, types.ClusterUnloaded)
	rec.owner = ""
	rec.loadingSince = time.Time{}
}

// HandleClusterReady completes an activation: Loading -> Active.
//
// Returns:
//   - error: types.ErrUnknownCluster for an unknown id,
//     types.ErrInvalidClusterState when the cluster is not Loading or the
//     acknowledging worker is not the assigned owner
func (m *Manager) HandleClusterReady(ctx context.Context, msg types.ClusterReady) error {
	m.mu.Lock()

	rec, ok := m.byID[msg.ClusterID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("ready for cluster %s: %w", msg.ClusterID, types.ErrUnknownCluster)
	}
	if rec.state != types.ClusterLoading || rec.owner != msg.WorkerID {
		state, owner := rec.state, rec.owner
		m.mu.Unlock()
		return fmt.Errorf("ready from %s for cluster %s in state %s owned by %s: %w",
			msg.WorkerID, msg.ClusterID, state, owner, types.ErrInvalidClusterState)
	}

	m.setStateLocked(rec, types.ClusterActive)
	rec.loadingSince = time.Time{}
	rec.frozen = false
	rec.nextOwner = ""
	rec.lastEntitySeenAt = m.nowFunc()

	cluster, base, owner := rec.id, rec.base, rec.owner
	onActive := m.onActive
	m.mu.Unlock()

	m.metrics.RecordAssignment(owner, cluster)
	m.runHook(ctx, func(ctx context.Context) error {
		return m.hooks.OnClusterAssigned(ctx, cluster, owner)
	})
	if onActive != nil {
		onActive(cluster, base, owner)
	}

	return nil
}

// Deactivate begins unloading an Active cluster: the owner is asked to flush
// its state to storage and release.
func (m *Manager) Deactivate(ctx context.Context, base types.SectorCoord) error {
	m.mu.Lock()
	rec, ok := m.clusters[base]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("deactivate %s: %w", base, types.ErrUnknownCluster)
	}

	return m.deactivate(ctx, rec)
}

// deactivate marks the cluster Unloading and sends the release outside
// m.mu. Callers must not hold m.mu.
func (m *Manager) deactivate(ctx context.Context, rec *record) error {
	m.mu.Lock()
	if rec.state != types.ClusterActive {
		state := rec.state
		m.mu.Unlock()
		return fmt.Errorf("deactivate cluster %s in state %s: %w",
			rec.id, state, types.ErrInvalidClusterState)
	}
	m.setStateLocked(rec, types.ClusterUnloading)
	owner := rec.owner
	m.mu.Unlock()

	release := types.ReleaseCluster{Version: types.ProtocolVersion, ClusterID: rec.id}
	if err := m.sender.SendRelease(ctx, owner, release); err != nil {
		// The owner keeps simulating; retry on a later sweep.
		m.mu.Lock()
		if rec.state == types.ClusterUnloading && rec.owner == owner {
			m.setStateLocked(rec, types.ClusterActive)
		}
		m.mu.Unlock()
		return fmt.Errorf("send release to %s: %w", owner, err)
	}

	return nil
}

// HandleClusterReleased completes an unload: Unloading -> Unloaded. If a
// rebalance destination is pinned, the cluster immediately starts loading on
// the new owner.
func (m *Manager) HandleClusterReleased(ctx context.Context, msg types.ClusterReleased) error {
	m.mu.Lock()
	rec, ok := m.byID[msg.ClusterID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("released for cluster %s: %w", msg.ClusterID, types.ErrUnknownCluster)
	}
	if rec.state != types.ClusterUnloading || rec.owner != msg.WorkerID {
		state, owner := rec.state, rec.owner
		m.mu.Unlock()
		return fmt.Errorf("released from %s for cluster %s in state %s owned by %s: %w",
			msg.WorkerID, msg.ClusterID, state, owner, types.ErrInvalidClusterState)
	}

	prevOwner := rec.owner
	m.reg.RemoveCluster(prevOwner, rec.id)
	m.setStateLocked(rec, types.ClusterUnloaded)
	rec.owner = ""
	pinned := rec.nextOwner
	rec.nextOwner = ""
	if pinned == "" {
		// If an activation request arrived while unloading it is already
		// queued; the sweep picks it up.
		rec.frozen = false
	}
	m.mu.Unlock()

	m.runHook(ctx, func(ctx context.Context) error {
		return m.hooks.OnClusterReleased(ctx, rec.id, prevOwner)
	})

	if pinned != "" {
		// Rebalance move: hand straight to the planned destination.
		if err := m.startLoading(ctx, rec, pinned); err != nil {
			m.logger.Warn("rebalance destination unavailable, requeueing",
				"cluster", rec.id.String(), "worker", string(pinned), "error", err)
			m.mu.Lock()
			rec.frozen = false
			m.enqueueLocked(rec.base)
			m.mu.Unlock()
		}
	}

	return nil
}

// HandleLoadReport folds a worker's load self-report into the registry and
// the cluster map.
func (m *Manager) HandleLoadReport(msg types.LoadReport) error {
	if err := m.reg.UpdateLoad(msg.WorkerID, msg.Stats); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	for _, cl := range msg.Clusters {
		rec, ok := m.byID[cl.ClusterID]
		if !ok || rec.owner != msg.WorkerID {
			continue
		}
		rec.entityCount = cl.EntityCount
		if cl.EntityCount > 0 || len(cl.OccupiedSectors) > 0 {
			rec.lastEntitySeenAt = now
		}
	}

	return nil
}

// HandleWorkerLost force-releases everything a vanished worker owned.
//
// The worker's clusters are marked Unloaded immediately (state on the worker
// is assumed lost) and requeued for activation. Entities whose changes were
// not persisted since the cluster's last snapshot are rolled back to that
// snapshot; the data-loss window is logged, not hidden.
func (m *Manager) HandleWorkerLost(ctx context.Context, view types.WorkerView) {
	m.mu.Lock()

	released := make([]types.ClusterID, 0, len(view.OwnedClusters))
	for _, id := range view.OwnedClusters {
		rec, ok := m.byID[id]
		if !ok || rec.owner != view.ID {
			continue
		}
		m.setStateLocked(rec, types.ClusterUnloaded)
		rec.owner = ""
		rec.frozen = false
		rec.nextOwner = ""
		rec.loadingSince = time.Time{}
		released = append(released, id)
		m.enqueueLocked(rec.base)
	}

	m.mu.Unlock()

	m.logger.Warn("worker lost, clusters force-released",
		"worker", string(view.ID), "clusters", len(released),
		"data_loss_window", "since last persisted snapshot")
	m.metrics.RecordWorkerLost(view.ID, len(released))
	m.runHook(ctx, func(ctx context.Context) error {
		return m.hooks.OnWorkerLost(ctx, view.ID, released)
	})
}

// Sweep runs one pass of the periodic lifecycle maintenance:
//
//  1. Deactivate Active clusters whose sectors have been empty longer than
//     the empty timeout.
//  2. Abandon and requeue assignments stuck in Loading past the activation
//     timeout.
//  3. Retry queued activations.
//  4. Plan and start rebalance moves, at most once per rebalance interval.
//
// Idempotent: a second sweep over unchanged state sends no messages.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.nowFunc()

	deactivations := m.sweepEmpty(ctx, now)
	m.sweepLoadingTimeouts(ctx, now)
	activations := m.sweepQueue(ctx)
	moves := m.sweepRebalance(ctx, now)

	m.metrics.RecordSweep(activations, deactivations, moves)
}

func (m *Manager) sweepEmpty(ctx context.Context, now time.Time) int {
	type candidate struct {
		rec  *record
		idle time.Duration
	}

	m.mu.Lock()
	var candidates []candidate
	for _, rec := range m.sortedLocked() {
		if rec.state != types.ClusterActive || rec.frozen {
			continue
		}
		if rec.entityCount != 0 || now.Sub(rec.lastEntitySeenAt) <= m.cfg.EmptyTimeout {
			continue
		}
		candidates = append(candidates, candidate{rec: rec, idle: now.Sub(rec.lastEntitySeenAt)})
	}
	m.mu.Unlock()

	count := 0
	for _, cand := range candidates {
		if err := m.deactivate(ctx, cand.rec); err != nil {
			m.logger.Warn("empty cluster deactivation failed",
				"cluster", cand.rec.id.String(), "error", err)
			continue
		}
		m.logger.Info("empty cluster unloading",
			"cluster", cand.rec.id.String(), "base", cand.rec.base.String(),
			"idle", cand.idle.String())
		count++
	}

	return count
}

func (m *Manager) sweepLoadingTimeouts(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.sortedLocked() {
		if rec.state != types.ClusterLoading {
			continue
		}
		if now.Sub(rec.loadingSince) <= m.cfg.ActivateTimeout {
			continue
		}
		owner := rec.owner
		m.abortLoadingLocked(rec)
		rec.frozen = false
		rec.nextOwner = ""
		m.enqueueLocked(rec.base)
		m.logger.Warn("cluster activation timed out, requeued",
			"cluster", rec.id.String(), "worker", string(owner))
		m.runHook(ctx, func(ctx context.Context) error {
			return m.hooks.OnError(ctx, fmt.Errorf("activation of cluster %s on %s timed out", rec.id, owner))
		})
	}
}

func (m *Manager) sweepQueue(ctx context.Context) int {
	m.mu.Lock()
	pending := make([]types.SectorCoord, len(m.queue))
	copy(pending, m.queue)
	m.mu.Unlock()

	count := 0
	for _, base := range pending {
		m.mu.Lock()
		rec := m.ensureLocked(base)
		if rec.state != types.ClusterUnloaded {
			// Already progressing; drop from the queue.
			m.dequeueLocked(base)
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := m.startLoading(ctx, rec, ""); err != nil {
			// Stays queued for the next sweep.
			if !errors.Is(err, types.ErrNoCapacity) {
				m.logger.Warn("queued activation failed",
					"base", base.String(), "error", err)
			}
			continue
		}

		m.mu.Lock()
		m.dequeueLocked(base)
		m.mu.Unlock()
		count++
	}

	return count
}

func (m *Manager) sweepRebalance(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	if now.Sub(m.lastRebalanceAt) < m.cfg.RebalanceInterval {
		m.mu.Unlock()
		return 0
	}
	m.lastRebalanceAt = now

	loads := make(map[types.ClusterID]int, len(m.byID))
	frozen := make(map[types.ClusterID]bool, len(m.byID))
	for id, rec := range m.byID {
		loads[id] = rec.entityCount
		if rec.state != types.ClusterActive || rec.frozen {
			frozen[id] = true
		}
	}
	m.mu.Unlock()

	moves := m.bal.PlanRebalance(m.reg.Snapshot(), loads, frozen)
	started := 0
	for _, mv := range moves {
		m.mu.Lock()
		rec, ok := m.byID[mv.Cluster]
		if !ok || rec.state != types.ClusterActive || rec.frozen {
			m.mu.Unlock()
			continue
		}
		rec.frozen = true
		rec.nextOwner = mv.To
		m.mu.Unlock()

		if err := m.deactivate(ctx, rec); err != nil {
			m.mu.Lock()
			rec.frozen = false
			rec.nextOwner = ""
			m.mu.Unlock()
			m.logger.Warn("rebalance release failed",
				"cluster", rec.id.String(), "error", err)
			continue
		}
		m.logger.Info("rebalance move started",
			"cluster", rec.id.String(), "from", string(mv.From), "to", string(mv.To))
		started++
	}

	return started
}

// ResolveTarget maps a sector to its cluster assignment for transition
// resolution. ok is false when no cluster record exists for the sector's
// cluster base (the cluster has never been touched).
func (m *Manager) ResolveTarget(sector types.SectorCoord) (TargetInfo, bool) {
	base := m.grid.ClusterBaseOf(sector)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.clusters[base]
	if !ok {
		return TargetInfo{Base: base, State: types.ClusterUnloaded}, false
	}

	return TargetInfo{Cluster: rec.id, Base: base, Owner: rec.owner, State: rec.state}, true
}

// State reports the lifecycle state of the cluster at base.
func (m *Manager) State(base types.SectorCoord) types.ClusterState {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.clusters[base]
	if !ok {
		return types.ClusterUnloaded
	}

	return rec.state
}

// Owner reports the assigned owner of the cluster at base, empty when
// unassigned.
func (m *Manager) Owner(base types.SectorCoord) types.WorkerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.clusters[base]
	if !ok {
		return ""
	}

	return rec.owner
}

// ClusterID reports the id of the cluster at base, allocating a record if
// none exists yet.
func (m *Manager) ClusterID(base types.SectorCoord) types.ClusterID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ensureLocked(base).id
}

// QueueLen reports how many activations are waiting for capacity.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// ensureLocked returns the record for base, allocating one in Unloaded if
// needed.
func (m *Manager) ensureLocked(base types.SectorCoord) *record {
	if rec, ok := m.clusters[base]; ok {
		return rec
	}

	rec := &record{
		id:    types.ClusterID(uuid.New()),
		base:  base,
		state: types.ClusterUnloaded,
	}
	m.clusters[base] = rec
	m.byID[rec.id] = rec

	return rec
}

func (m *Manager) enqueueLocked(base types.SectorCoord) {
	if m.queued[base] {
		return
	}
	m.queued[base] = true
	m.queue = append(m.queue, base)
}

func (m *Manager) dequeueLocked(base types.SectorCoord) {
	if !m.queued[base] {
		return
	}
	delete(m.queued, base)
	for i, b := range m.queue {
		if b == base {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

func (m *Manager) setStateLocked(rec *record, to types.ClusterState) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to
	m.metrics.RecordClusterStateTransition(rec.id, from, to)
	m.logger.Debug("cluster state changed",
		"cluster", rec.id.String(), "from", from.String(), "to", to.String())
}

// sortedLocked returns cluster records in deterministic base order so sweep
// side effects are reproducible.
func (m *Manager) sortedLocked() []*record {
	recs := make([]*record, 0, len(m.clusters))
	for _, rec := range m.clusters {
		recs = append(recs, rec)
	}
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].base.Compare(recs[j-1].base) < 0; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}

	return recs
}

// runHook executes a hook callback in the background, logging failures.
func (m *Manager) runHook(ctx context.Context, f func(ctx context.Context) error) {
	go func() {
		if err := f(ctx); err != nil {
			m.logger.Error("lifecycle hook failed", "error", err)
		}
	}()
}
