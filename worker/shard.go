package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/internal/delta"
	"github.com/Dastari/sidereal/internal/heartbeat"
	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/shadow"
	"github.com/Dastari/sidereal/types"
)

// Common errors for shard operations.
var (
	ErrInvalidConfig          = types.ErrInvalidConfig
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired
	ErrSimulationRequired     = errors.New("simulation is required")
	ErrStorageRequired        = types.ErrStorageRequired
	ErrAlreadyStarted         = types.ErrAlreadyStarted
	ErrNotStarted             = types.ErrNotStarted
	ErrRegistrationRejected   = errors.New("registration rejected")
	ErrTransitionRejected     = errors.New("transition rejected")
	ErrUnknownCluster         = types.ErrUnknownCluster
)

var replyErr = []byte("-ERR ")

// Simulation is the game-side surface a Shard drives. The coordination
// layer moves entities and clusters; the simulation owns what they mean.
//
// All methods may be called concurrently from NATS dispatch goroutines.
type Simulation interface {
	// LoadCluster takes ownership of a cluster: the simulation must begin
	// ticking the given entities. Called once per assignment, after the
	// full initial state has arrived.
	LoadCluster(ctx context.Context, assign types.AssignCluster, entities []types.EntitySnapshot) error

	// UnloadCluster relinquishes a cluster and returns its final
	// authoritative entity state for persistence. The simulation must stop
	// ticking the cluster before returning.
	UnloadCluster(ctx context.Context, cluster types.ClusterID) ([]types.EntitySnapshot, error)

	// EntityEntered hands the simulation an entity won in a transition.
	// The entity must not be simulated before this call.
	EntityEntered(ctx context.Context, msg types.EntityEnterSector) error

	// EntityExited confirms an entity was handed off to another worker.
	// The entity must not be simulated after this call.
	EntityExited(ctx context.Context, msg types.ConfirmExit) error

	// TransitionAcknowledged resolves a same-owner transition: the entity
	// stays local and only changes sector.
	TransitionAcknowledged(ctx context.Context, msg types.AcknowledgeTransition) error

	// ClusterEntities returns the current authoritative entities of an
	// owned cluster, for boundary shadow scans and release flushes.
	ClusterEntities(cluster types.ClusterID) []types.EntitySnapshot

	// LoadStats reports current simulation load for the coordinator's
	// balancer.
	LoadStats() types.LoadStats
}

// Option configures a Shard.
type Option func(*shardOptions)

type shardOptions struct {
	logger  types.Logger
	metrics types.MetricsCollector
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l types.Logger) Option {
	return func(o *shardOptions) { o.logger = l }
}

// WithMetrics sets the metrics collector. Defaults to a no-op collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *shardOptions) { o.metrics = m }
}

// ownedCluster is the Shard's bookkeeping for one assigned cluster.
type ownedCluster struct {
	assign    types.AssignCluster
	shadowSub *nats.Subscription
}

// pendingLoad accumulates the chunked initial state of an assignment until
// every chunk has arrived.
type pendingLoad struct {
	assign   types.AssignCluster
	entities []types.EntitySnapshot
	received int
	total    int
}

// Shard is the worker-side client of the coordination layer.
//
// It registers with the coordinator, heartbeats over JetStream KV, accepts
// cluster assignments, forwards entity handoffs to the embedded Simulation,
// publishes boundary shadows to neighboring clusters and flushes tracked
// entity deltas once per network tick.
//
// Thread safety: all public methods are safe for concurrent use.
type Shard struct {
	cfg     Config
	conn    *nats.Conn
	sim     Simulation
	storage types.Storage
	logger  types.Logger
	metrics types.MetricsCollector

	grid    grid.Grid
	tracker *delta.Tracker
	shadows *shadow.Registry
	scanner *shadow.Synchronizer
	hb      *heartbeat.Publisher

	mu      sync.Mutex
	id      types.WorkerID
	owned   map[types.ClusterID]*ownedCluster
	loading map[types.ClusterID]*pendingLoad
	inbox   *nats.Subscription
	tick    uint64
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New creates a shard worker client.
//
// Parameters:
//   - cfg: Configuration (missing fields are filled with defaults)
//   - conn: NATS connection for all transport
//   - sim: The game simulation driven by this shard
//   - store: Snapshot storage, flushed to on cluster release
//   - opts: Optional logger and metrics
//
// Returns:
//   - *Shard: Initialized shard (not yet registered; call Start)
//   - error: Validation error if configuration or dependencies are invalid
func New(cfg *Config, conn *nats.Conn, sim Simulation, store types.Storage, opts ...Option) (*Shard, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}
	if sim == nil {
		return nil, ErrSimulationRequired
	}
	if store == nil {
		return nil, ErrStorageRequired
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &shardOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logger.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}

	g := grid.New(cfg.SectorSize, cfg.ClusterDims)

	return &Shard{
		cfg:     *cfg,
		conn:    conn,
		sim:     sim,
		storage: store,
		logger:  options.logger,
		metrics: options.metrics,
		grid:    g,
		tracker: delta.NewTracker(),
		shadows: shadow.NewRegistry(cfg.ShadowTimeout),
		scanner: shadow.NewSynchronizer(g, cfg.TransitionZoneWidth, options.metrics),
		owned:   make(map[types.ClusterID]*ownedCluster),
		loading: make(map[types.ClusterID]*pendingLoad),
	}, nil
}

// Start registers with the coordinator and begins serving assignments.
//
// Blocks until the registration handshake completes and the heartbeat
// publisher has written its first beat.
//
// Parameters:
//   - ctx: Context for startup timeout and cancellation
//
// Returns:
//   - error: Registration or heartbeat failure
func (s *Shard) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()

		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	startupCtx := ctx
	if s.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startupCtx, cancel = context.WithTimeout(ctx, s.cfg.StartupTimeout)
		defer cancel()
	}

	id, err := s.register(startupCtx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	inbox, err := s.conn.Subscribe(types.WorkerSubjectPrefix(id), s.handleInbox)
	if err != nil {
		return fmt.Errorf("failed to subscribe worker inbox: %w", err)
	}
	s.mu.Lock()
	s.inbox = inbox
	s.mu.Unlock()

	if err := s.startHeartbeat(startupCtx, id); err != nil {
		_ = inbox.Unsubscribe()

		return err
	}

	s.wg.Add(3)
	go s.loadReportLoop()
	go s.shadowLoop()
	go s.deltaFlushLoop()

	s.logger.Info("shard started", "worker_id", id, "name", s.cfg.Name)

	return nil
}

// Stop deregisters and shuts the shard down.
//
// Owned clusters are unloaded through the simulation and their final state
// flushed to storage before the deregistration notice is sent.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: Shutdown error or timeout
func (s *Shard) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil || s.stopped {
		s.mu.Unlock()

		return ErrNotStarted
	}
	s.stopped = true
	cancel := s.cancel
	id := s.id
	inbox := s.inbox
	s.mu.Unlock()

	if inbox != nil {
		if err := inbox.Drain(); err != nil {
			s.logger.Error("failed to drain inbox", "error", err)
		}
	}

	s.flushOwnedClusters()

	if err := s.deregister(ctx, id); err != nil {
		s.logger.Error("deregistration failed", "worker_id", id, "error", err)
	}

	if s.hb != nil {
		if err := s.hb.Stop(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
			s.logger.Error("failed to stop heartbeat", "error", err)
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("shard stopped gracefully", "worker_id", id)
		return nil
	case <-ctx.Done():
		s.logger.Error("shutdown timeout exceeded, some goroutines may still be running")
		return ctx.Err()
	}
}

// ID returns the coordinator-assigned worker ID. Empty before Start.
func (s *Shard) ID() types.WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// OwnedClusters returns the ids of the clusters this shard currently owns.
func (s *Shard) OwnedClusters() []types.ClusterID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]types.ClusterID, 0, len(s.owned))
	for id := range s.owned {
		ids = append(ids, id)
	}

	return ids
}

// Shadows exposes the shard's boundary shadow registry for read access by
// the simulation (prediction, proximity queries).
func (s *Shard) Shadows() *shadow.Registry {
	return s.shadows
}

// RecordSnapshot marks every replicated field of an entity as changed, to
// be flushed with the next delta batch. Used when an entity spawns or
// arrives via handoff.
func (s *Shard) RecordSnapshot(snap types.EntitySnapshot) {
	s.tracker.RecordSnapshot(snap)
}

// RecordChange marks one replicated field of an entity as changed.
//
// Parameters:
//   - entity: The changed entity
//   - field: types.FieldPosition, types.FieldVelocity or a component tag
//   - value: The serialized new value
func (s *Shard) RecordChange(entity types.EntityID, field string, value json.RawMessage) {
	s.tracker.Record(entity, field, value)
}

// RequestTransition asks the coordinator to move an entity into a sector
// this shard does not own.
//
// The request id is generated here and reused across retries, so a request
// that was resolved but whose reply was lost resolves identically on
// retry. The outcome arrives asynchronously on the worker inbox as an ack,
// or as a confirm-exit plus enter pair on the two workers involved.
//
// Parameters:
//   - ctx: Context for the request round-trips
//   - snapshot: Full snapshot of the crossing entity
//   - target: The sector the entity moved into
//
// Returns:
//   - error: ErrTransitionRejected when the coordinator refuses the
//     request (quarantine, consistency fault), or the last transport error
//     after all retries
func (s *Shard) RequestTransition(ctx context.Context, snapshot types.EntitySnapshot, target types.SectorCoord) error {
	req := types.TransitionRequest{
		Version:      types.ProtocolVersion,
		RequestID:    uuid.New(),
		EntityID:     snapshot.ID,
		SourceOwner:  s.ID(),
		TargetSector: target,
		Snapshot:     snapshot,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode transition request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.TransitionRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		reply, err := s.conn.RequestWithContext(reqCtx, types.SubjectTransition, data)
		cancel()
		if err != nil {
			lastErr = err
			s.logger.Warn("transition request attempt failed",
				"request", req.RequestID.String(), "attempt", attempt+1, "error", err)

			continue
		}
		if bytes.HasPrefix(reply.Data, replyErr) {
			return fmt.Errorf("%w: %s", ErrTransitionRejected, bytes.TrimPrefix(reply.Data, replyErr))
		}

		return nil
	}

	return fmt.Errorf("transition request %s failed after %d attempts: %w",
		req.RequestID, s.cfg.TransitionRetries, lastErr)
}

func (s *Shard) register(ctx context.Context) (types.WorkerID, error) {
	data, err := json.Marshal(types.RegisterWorker{Version: types.ProtocolVersion, Name: s.cfg.Name})
	if err != nil {
		return "", fmt.Errorf("failed to encode registration: %w", err)
	}

	reply, err := s.conn.RequestWithContext(ctx, types.SubjectRegister, data)
	if err != nil {
		return "", fmt.Errorf("registration request failed: %w", err)
	}
	if bytes.HasPrefix(reply.Data, replyErr) {
		return "", fmt.Errorf("%w: %s", ErrRegistrationRejected, bytes.TrimPrefix(reply.Data, replyErr))
	}

	var ack types.RegistrationAck
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return "", fmt.Errorf("malformed registration ack: %w", err)
	}
	if ack.WorkerID == "" {
		return "", ErrRegistrationRejected
	}

	return ack.WorkerID, nil
}

func (s *Shard) deregister(ctx context.Context, id types.WorkerID) error {
	if id == "" {
		return nil
	}

	data, err := json.Marshal(types.DeregisterWorker{Version: types.ProtocolVersion, WorkerID: id})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	_, err = s.conn.RequestWithContext(reqCtx, types.SubjectDeregister, data)

	return err
}

func (s *Shard) startHeartbeat(ctx context.Context, id types.WorkerID) error {
	js, err := jetstream.New(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, s.cfg.HeartbeatBucket)
	if err != nil {
		return fmt.Errorf("heartbeat bucket %s unavailable: %w", s.cfg.HeartbeatBucket, err)
	}

	s.hb = heartbeat.New(kv, heartbeat.DefaultPrefix, s.cfg.HeartbeatInterval)
	s.hb.SetWorkerID(id)
	s.hb.SetLogger(s.logger)
	s.hb.SetMetrics(s.metrics)

	if err := s.hb.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	return nil
}

// handleInbox dispatches one coordinator-to-worker control message by the
// last subject token.
func (s *Shard) handleInbox(msg *nats.Msg) {
	kind := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]

	var err error
	switch kind {
	case types.WorkerMsgAssign:
		err = s.handleAssign(msg.Data)
	case types.WorkerMsgState:
		err = s.handleInitialState(msg.Data)
	case types.WorkerMsgRelease:
		err = s.handleRelease(msg.Data)
	case types.WorkerMsgAck:
		err = s.handleAck(msg.Data)
	case types.WorkerMsgEnter:
		err = s.handleEnter(msg.Data)
	case types.WorkerMsgExit:
		err = s.handleExit(msg.Data)
	default:
		err = fmt.Errorf("unknown control message kind %q", kind)
	}

	if msg.Reply == "" {
		if err != nil {
			s.logger.Error("control message failed", "subject", msg.Subject, "error", err)
		}

		return
	}

	reply := []byte("+OK")
	if err != nil {
		s.logger.Warn("control message rejected", "subject", msg.Subject, "error", err)
		reply = append(append([]byte{}, replyErr...), err.Error()...)
	}
	if respondErr := msg.Respond(reply); respondErr != nil {
		s.logger.Error("failed to respond", "subject", msg.Subject, "error", respondErr)
	}
}

func (s *Shard) handleAssign(data []byte) error {
	var assign types.AssignCluster
	if err := json.Unmarshal(data, &assign); err != nil {
		return fmt.Errorf("malformed assignment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owned[assign.ClusterID]; ok {
		// Duplicate assignment of an owned cluster is a coordinator
		// retry; accept idempotently.
		return nil
	}
	s.loading[assign.ClusterID] = &pendingLoad{assign: assign}
	s.logger.Info("cluster assigned",
		"cluster", assign.ClusterID.String(), "base", assign.Base.String())

	return nil
}

func (s *Shard) handleInitialState(data []byte) error {
	var state types.InitialState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("malformed initial state: %w", err)
	}

	s.mu.Lock()
	load, ok := s.loading[state.ClusterID]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("initial state for cluster %s: %w", state.ClusterID, ErrUnknownCluster)
	}

	load.entities = append(load.entities, state.Entities...)
	load.received++
	load.total = state.TotalChunks
	complete := load.received >= load.total
	if complete {
		delete(s.loading, state.ClusterID)
	}
	s.mu.Unlock()

	if !complete {
		return nil
	}

	// Load the simulation and announce readiness off the dispatch
	// goroutine; the coordinator's state send must not block on it.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.completeLoad(load)
	}()

	return nil
}

// completeLoad hands the assembled cluster to the simulation, wires the
// inbound shadow subscription and reports readiness.
func (s *Shard) completeLoad(load *pendingLoad) {
	ctx := s.ctx
	assign := load.assign

	if err := s.sim.LoadCluster(ctx, assign, load.entities); err != nil {
		s.logger.Error("simulation rejected cluster",
			"cluster", assign.ClusterID.String(), "error", err)

		return
	}

	shadowSub, err := s.conn.Subscribe(types.ShadowSubject(assign.Base), s.handleShadowBatch)
	if err != nil {
		s.logger.Error("failed to subscribe shadow subject",
			"cluster", assign.ClusterID.String(), "error", err)
	}

	s.mu.Lock()
	s.owned[assign.ClusterID] = &ownedCluster{assign: assign, shadowSub: shadowSub}
	s.mu.Unlock()

	for _, e := range load.entities {
		s.tracker.RecordSnapshot(e)
	}

	ready, err := json.Marshal(types.ClusterReady{
		Version:   types.ProtocolVersion,
		WorkerID:  s.ID(),
		ClusterID: assign.ClusterID,
	})
	if err != nil {
		s.logger.Error("failed to encode cluster ready", "error", err)

		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if _, err := s.conn.RequestWithContext(reqCtx, types.SubjectClusterReady, ready); err != nil {
		s.logger.Error("failed to report cluster ready",
			"cluster", assign.ClusterID.String(), "error", err)

		return
	}

	s.logger.Info("cluster active",
		"cluster", assign.ClusterID.String(), "base", assign.Base.String(),
		"entities", len(load.entities))
}

func (s *Shard) handleRelease(data []byte) error {
	var release types.ReleaseCluster
	if err := json.Unmarshal(data, &release); err != nil {
		return fmt.Errorf("malformed release: %w", err)
	}

	s.mu.Lock()
	owned, ok := s.owned[release.ClusterID]
	if ok {
		delete(s.owned, release.ClusterID)
	} else {
		// A release can race the tail of an activation.
		_, loading := s.loading[release.ClusterID]
		if loading {
			delete(s.loading, release.ClusterID)
			ok = true
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("release of cluster %s: %w", release.ClusterID, ErrUnknownCluster)
	}

	// Unload and flush off the dispatch goroutine.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.completeRelease(owned)
	}()

	return nil
}

// completeRelease stops simulating the cluster, flushes its final state to
// storage and confirms the release to the coordinator.
func (s *Shard) completeRelease(owned *ownedCluster) {
	if owned == nil {
		return
	}
	ctx := s.ctx
	assign := owned.assign

	if owned.shadowSub != nil {
		_ = owned.shadowSub.Unsubscribe()
	}

	entities, err := s.sim.UnloadCluster(ctx, assign.ClusterID)
	if err != nil {
		s.logger.Error("simulation failed to unload cluster",
			"cluster", assign.ClusterID.String(), "error", err)
	}

	region := types.Region{Base: assign.Base, Dims: assign.Dims}
	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	if err := s.storage.SaveSnapshot(saveCtx, region, entities); err != nil {
		s.logger.Error("failed to flush cluster snapshot",
			"region", region.String(), "error", err)
	}
	cancel()

	for _, e := range entities {
		s.tracker.Forget(e.ID)
	}

	released, err := json.Marshal(types.ClusterReleased{
		Version:   types.ProtocolVersion,
		WorkerID:  s.ID(),
		ClusterID: assign.ClusterID,
	})
	if err != nil {
		s.logger.Error("failed to encode cluster released", "error", err)

		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if _, err := s.conn.RequestWithContext(reqCtx, types.SubjectClusterReleased, released); err != nil {
		s.logger.Error("failed to confirm cluster release",
			"cluster", assign.ClusterID.String(), "error", err)

		return
	}

	s.logger.Info("cluster released",
		"cluster", assign.ClusterID.String(), "entities", len(entities))
}

func (s *Shard) handleAck(data []byte) error {
	var ack types.AcknowledgeTransition
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("malformed transition ack: %w", err)
	}

	return s.sim.TransitionAcknowledged(s.ctx, ack)
}

func (s *Shard) handleEnter(data []byte) error {
	var enter types.EntityEnterSector
	if err := json.Unmarshal(data, &enter); err != nil {
		return fmt.Errorf("malformed entity enter: %w", err)
	}

	if err := s.sim.EntityEntered(s.ctx, enter); err != nil {
		return err
	}

	// The entity is authoritative here now: its shadow record (if any)
	// is stale, and its full state must go out with the next tick.
	s.shadows.Remove(enter.EntityID)
	s.tracker.RecordSnapshot(enter.Snapshot)

	return nil
}

func (s *Shard) handleExit(data []byte) error {
	var exit types.ConfirmExit
	if err := json.Unmarshal(data, &exit); err != nil {
		return fmt.Errorf("malformed confirm exit: %w", err)
	}

	if err := s.sim.EntityExited(s.ctx, exit); err != nil {
		return err
	}

	s.tracker.Forget(exit.EntityID)

	return nil
}

// handleShadowBatch applies one inbound boundary shadow batch.
func (s *Shard) handleShadowBatch(msg *nats.Msg) {
	var batch types.BoundaryShadowBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		s.logger.Debug("malformed shadow batch dropped", "error", err)

		return
	}
	if batch.SourceOwner == s.ID() {
		return
	}

	s.shadows.Apply(batch)
}

// loadReportLoop publishes periodic load reports with per-cluster
// occupancy.
func (s *Shard) loadReportLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.LoadReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishLoadReport()
		}
	}
}

func (s *Shard) publishLoadReport() {
	id := s.ID()
	if id == "" {
		return
	}

	report := types.LoadReport{
		Version:  types.ProtocolVersion,
		WorkerID: id,
		Stats:    s.sim.LoadStats(),
	}

	for _, owned := range s.ownedSnapshot() {
		entities := s.sim.ClusterEntities(owned.assign.ClusterID)
		occupied := make(map[types.SectorCoord]struct{})
		for i := range entities {
			occupied[s.grid.SectorOf(entities[i].Position)] = struct{}{}
		}

		cl := types.ClusterLoad{
			ClusterID:   owned.assign.ClusterID,
			EntityCount: len(entities),
		}
		for sc := range occupied {
			cl.OccupiedSectors = append(cl.OccupiedSectors, sc)
		}
		report.Clusters = append(report.Clusters, cl)
	}

	data, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("failed to encode load report", "error", err)

		return
	}

	if err := s.conn.Publish(types.SubjectLoadReport, data); err != nil {
		s.logger.Warn("failed to publish load report", "error", err)
	}
}

// shadowLoop scans owned clusters for boundary entities, publishes shadow
// batches to neighboring clusters and prunes stale inbound records.
func (s *Shard) shadowLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ShadowSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.publishShadows(now)
			s.shadows.Prune(now)
		}
	}
}

func (s *Shard) publishShadows(now time.Time) {
	id := s.ID()
	ownedBases := make(map[types.SectorCoord]bool)
	ownedList := s.ownedSnapshot()
	for _, o := range ownedList {
		ownedBases[o.assign.Base] = true
	}

	// Foreign bases publish blind: shadows are loss tolerant and a base
	// with no owner simply has no subscriber.
	ownerOf := func(base types.SectorCoord) (types.WorkerID, bool) {
		if ownedBases[base] {
			return id, true
		}

		return "", true
	}

	for _, owned := range ownedList {
		assign := owned.assign
		entities := s.sim.ClusterEntities(assign.ClusterID)
		if len(entities) == 0 {
			continue
		}

		for _, out := range s.scanner.Scan(id, assign.ClusterID, assign.Base, entities, ownerOf, now) {
			data, err := json.Marshal(out.Batch)
			if err != nil {
				s.logger.Error("failed to encode shadow batch", "error", err)

				continue
			}
			if err := s.conn.Publish(types.ShadowSubject(out.DestBase), data); err != nil {
				s.logger.Debug("shadow batch publish failed",
					"dest", out.DestBase.String(), "error", err)
			}
		}
	}
}

// deltaFlushLoop publishes one EntityDeltaBatch per network tick.
func (s *Shard) deltaFlushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DeltaFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flushDeltas()
		}
	}
}

func (s *Shard) flushDeltas() {
	id := s.ID()
	if id == "" {
		return
	}

	s.mu.Lock()
	s.tick++
	tick := s.tick
	s.mu.Unlock()

	deltas := s.tracker.Flush(tick)
	if len(deltas) == 0 {
		return
	}

	batch := types.EntityDeltaBatch{
		Version: types.ProtocolVersion,
		Owner:   id,
		Tick:    tick,
		Deltas:  deltas,
	}
	data, err := json.Marshal(batch)
	if err != nil {
		s.logger.Error("failed to encode delta batch", "error", err)

		return
	}

	if err := s.conn.Publish(types.DeltaSubject(id), data); err != nil {
		s.logger.Debug("delta batch publish failed", "error", err)
	}
	s.metrics.RecordDeltaBatch(string(id), len(deltas))
}

// flushOwnedClusters unloads every owned cluster during shutdown,
// persisting final state and notifying the coordinator.
func (s *Shard) flushOwnedClusters() {
	for _, owned := range s.ownedSnapshot() {
		s.mu.Lock()
		delete(s.owned, owned.assign.ClusterID)
		s.mu.Unlock()

		s.completeRelease(owned)
	}
}

func (s *Shard) ownedSnapshot() []*ownedCluster {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*ownedCluster, 0, len(s.owned))
	for _, o := range s.owned {
		list = append(list, o)
	}

	return list
}
