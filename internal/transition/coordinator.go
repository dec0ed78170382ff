package transition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Dastari/sidereal/internal/hooks"
	"github.com/Dastari/sidereal/internal/lifecycle"
	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/types"
)

// DefaultPendingTimeout bounds how long a request may wait on a cluster
// activation before the activation is re-kicked.
const DefaultPendingTimeout = 10 * time.Second

// Resolution case labels, recorded as transition metrics.
const (
	KindSameOwner  = "same_owner"
	KindHandoff    = "handoff"
	KindActivation = "activation"
)

// Sender is the reliable outbound channel for transition resolution
// messages.
type Sender interface {
	SendAck(ctx context.Context, worker types.WorkerID, msg types.AcknowledgeTransition) error
	SendEnter(ctx context.Context, worker types.WorkerID, msg types.EntityEnterSector) error
	SendConfirmExit(ctx context.Context, worker types.WorkerID, msg types.ConfirmExit) error
}

// Resolver is the slice of the lifecycle manager the transition coordinator
// depends on.
type Resolver interface {
	ResolveTarget(sector types.SectorCoord) (lifecycle.TargetInfo, bool)
	Activate(ctx context.Context, base types.SectorCoord, pending ...types.EntitySnapshot)
}

// outcome is the recorded resolution of a closed request, replayed verbatim
// for duplicate requests.
type outcome struct {
	kind string

	ackTo types.WorkerID
	ack   *types.AcknowledgeTransition

	exitTo types.WorkerID
	exit   *types.ConfirmExit

	enterTo types.WorkerID
	enter   *types.EntityEnterSector
}

// inflight is a request waiting on a Case C cluster activation.
type inflight struct {
	msg        types.TransitionRequest
	receivedAt time.Time
}

// Config tunes the transition coordinator.
type Config struct {
	PendingTimeout time.Duration
}

// Deps are the coordinator's collaborators. Logger, Metrics and Hooks may be
// left unset.
type Deps struct {
	Sender   Sender
	Resolver Resolver
	Logger   types.Logger
	Metrics  types.MetricsCollector
	Hooks    types.Hooks
}

// Coordinator resolves entity transition requests. Safe for concurrent use.
type Coordinator struct {
	cfg      Config
	sender   Sender
	resolver Resolver
	logger   types.Logger
	metrics  types.MetricsCollector
	hooks    types.Hooks

	// outcomes is the idempotency record: request id -> closed resolution.
	outcomes *xsync.MapOf[uuid.UUID, *outcome]

	mu sync.Mutex
	// pending holds Case C requests keyed by the target cluster base.
	pending map[types.SectorCoord][]*inflight
	// owners is the coordinator's view of which worker last received each
	// transitioned entity, used to detect conflicting ownership claims.
	// Entries go stale when a whole cluster is re-homed (rebalance, worker
	// loss, release and later re-activation); a mismatching claim is
	// checked against the live cluster ownership before it counts as a
	// conflict.
	owners map[types.EntityID]types.WorkerID
	// quarantined entities had a consistency fault; replication is halted.
	quarantined map[types.EntityID]bool

	nowFunc func() time.Time
}

// NewCoordinator creates a transition coordinator.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	return &Coordinator{
		cfg:         cfg,
		sender:      deps.Sender,
		resolver:    deps.Resolver,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		hooks:       hooks.Fill(deps.Hooks),
		outcomes:    xsync.NewMapOf[uuid.UUID, *outcome](),
		pending:     make(map[types.SectorCoord][]*inflight),
		owners:      make(map[types.EntityID]types.WorkerID),
		quarantined: make(map[types.EntityID]bool),
	}
}

// SetClock replaces the coordinator's time source. Test use only.
func (c *Coordinator) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFunc = clock
}

func (c *Coordinator) now() time.Time {
	c.mu.Lock()
	f := c.nowFunc
	c.mu.Unlock()
	if f != nil {
		return f()
	}

	return time.Now()
}

// HandleRequest resolves one TransitionRequest.
//
// A request whose id was already resolved replays the recorded outcome. A
// request whose target cluster is not Active is parked and resolved when the
// activation completes.
//
// Returns:
//   - error: types.ErrEntityQuarantined for a quarantined entity,
//     types.ErrConsistencyFault when the request exposes a conflicting
//     ownership claim, or a send failure (the worker retries with the same
//     request id)
func (c *Coordinator) HandleRequest(ctx context.Context, msg types.TransitionRequest) error {
	if prev, ok := c.outcomes.Load(msg.RequestID); ok {
		c.metrics.RecordDuplicateRequest()
		c.logger.Debug("replaying resolved transition",
			"request", msg.RequestID.String(), "kind", prev.kind)
		return c.replay(ctx, prev)
	}

	c.mu.Lock()
	if c.quarantined[msg.EntityID] {
		c.mu.Unlock()
		return fmt.Errorf("transition for entity %s: %w", msg.EntityID, types.ErrEntityQuarantined)
	}
	owner, tracked := c.owners[msg.EntityID]
	c.mu.Unlock()

	if tracked && owner != msg.SourceOwner {
		// The recorded owner is the destination of the entity's last
		// transition. Rebalances, worker loss and re-activation move whole
		// clusters without per-entity traffic, so the claim is only a
		// conflict if the claimant does not currently own the entity's
		// sector.
		if c.claimantOwnsSector(msg.Snapshot.Sector, msg.SourceOwner) {
			c.mu.Lock()
			if !c.quarantined[msg.EntityID] {
				c.owners[msg.EntityID] = msg.SourceOwner
			}
			c.mu.Unlock()
			c.logger.Debug("entity ownership refreshed from cluster assignment",
				"entity", msg.EntityID.String(),
				"previous_owner", string(owner), "owner", string(msg.SourceOwner))
		} else {
			c.mu.Lock()
			c.quarantined[msg.EntityID] = true
			c.mu.Unlock()
			c.metrics.RecordConsistencyFault(msg.EntityID)
			c.logger.Error("conflicting ownership claim, entity quarantined",
				"entity", msg.EntityID.String(),
				"recorded_owner", string(owner), "claimant", string(msg.SourceOwner))
			c.runHook(ctx, func(ctx context.Context) error {
				return c.hooks.OnConsistencyFault(ctx, msg.EntityID, []types.WorkerID{owner, msg.SourceOwner})
			})
			return fmt.Errorf("entity %s claimed by %s but owned by %s: %w",
				msg.EntityID, msg.SourceOwner, owner, types.ErrConsistencyFault)
		}
	}

	info, known := c.resolver.ResolveTarget(msg.TargetSector)
	if !known || info.State != types.ClusterActive {
		return c.park(ctx, msg, info.Base)
	}

	return c.resolve(ctx, msg, info, c.now(), false)
}

// claimantOwnsSector reports whether the claimant is the current owner of
// the Active cluster covering the given sector.
func (c *Coordinator) claimantOwnsSector(sector types.SectorCoord, claimant types.WorkerID) bool {
	info, known := c.resolver.ResolveTarget(sector)

	return known && info.State == types.ClusterActive && info.Owner == claimant
}

// park queues a request behind a cluster activation (Case C) and kicks the
// activation, carrying the entity's snapshot into the initial state.
func (c *Coordinator) park(ctx context.Context, msg types.TransitionRequest, base types.SectorCoord) error {
	c.mu.Lock()
	for _, in := range c.pending[base] {
		if in.msg.RequestID == msg.RequestID {
			c.mu.Unlock()
			c.metrics.RecordDuplicateRequest()
			return nil
		}
	}
	c.pending[base] = append(c.pending[base], &inflight{msg: msg, receivedAt: c.clockLocked()})
	c.mu.Unlock()

	c.logger.Info("transition waiting on cluster activation",
		"request", msg.RequestID.String(), "entity", msg.EntityID.String(),
		"base", base.String())
	c.resolver.Activate(ctx, base, msg.Snapshot)

	return nil
}

func (c *Coordinator) clockLocked() time.Time {
	if c.nowFunc != nil {
		return c.nowFunc()
	}

	return time.Now()
}

// resolve closes a request against an Active target cluster.
func (c *Coordinator) resolve(ctx context.Context, msg types.TransitionRequest, info lifecycle.TargetInfo, receivedAt time.Time, viaActivation bool) error {
	out := &outcome{}

	if info.Owner == msg.SourceOwner {
		// Case A: bookkeeping only, no data moves.
		out.kind = KindSameOwner
		out.ackTo = msg.SourceOwner
		out.ack = &types.AcknowledgeTransition{
			Version:   types.ProtocolVersion,
			RequestID: msg.RequestID,
			EntityID:  msg.EntityID,
			Sector:    msg.TargetSector,
			Cluster:   info.Cluster,
		}
		if err := c.sender.SendAck(ctx, out.ackTo, *out.ack); err != nil {
			return fmt.Errorf("send transition ack to %s: %w", out.ackTo, err)
		}
	} else {
		// Case B: two-phase handoff. ConfirmExit reaches the old owner
		// before EntityEnterSector reaches the new one, so two workers
		// never simulate the entity at once.
		out.kind = KindHandoff
		out.exitTo = msg.SourceOwner
		out.exit = &types.ConfirmExit{
			Version:   types.ProtocolVersion,
			RequestID: msg.RequestID,
			EntityID:  msg.EntityID,
		}
		out.enterTo = info.Owner
		out.enter = &types.EntityEnterSector{
			Version:   types.ProtocolVersion,
			RequestID: msg.RequestID,
			EntityID:  msg.EntityID,
			Sector:    msg.TargetSector,
			Cluster:   info.Cluster,
			Snapshot:  msg.Snapshot,
		}
		if err := c.sender.SendConfirmExit(ctx, out.exitTo, *out.exit); err != nil {
			return fmt.Errorf("send confirm exit to %s: %w", out.exitTo, err)
		}
		if err := c.sender.SendEnter(ctx, out.enterTo, *out.enter); err != nil {
			return fmt.Errorf("send entity enter to %s: %w", out.enterTo, err)
		}
	}
	if viaActivation {
		out.kind = KindActivation
	}

	c.outcomes.Store(msg.RequestID, out)
	c.mu.Lock()
	c.owners[msg.EntityID] = info.Owner
	c.mu.Unlock()

	c.metrics.RecordTransition(out.kind, float64(c.now().Sub(receivedAt).Microseconds())/1000.0)
	c.logger.Debug("transition closed",
		"request", msg.RequestID.String(), "entity", msg.EntityID.String(),
		"kind", out.kind, "from", string(msg.SourceOwner), "to", string(info.Owner))
	c.runHook(ctx, func(ctx context.Context) error {
		return c.hooks.OnTransitionResolved(ctx, msg.EntityID, msg.SourceOwner, info.Owner)
	})

	return nil
}

// replay resends a closed request's recorded resolution without touching
// ownership state.
func (c *Coordinator) replay(ctx context.Context, out *outcome) error {
	if out.ack != nil {
		if err := c.sender.SendAck(ctx, out.ackTo, *out.ack); err != nil {
			return fmt.Errorf("replay transition ack to %s: %w", out.ackTo, err)
		}
	}
	if out.exit != nil {
		if err := c.sender.SendConfirmExit(ctx, out.exitTo, *out.exit); err != nil {
			return fmt.Errorf("replay confirm exit to %s: %w", out.exitTo, err)
		}
	}
	if out.enter != nil {
		if err := c.sender.SendEnter(ctx, out.enterTo, *out.enter); err != nil {
			return fmt.Errorf("replay entity enter to %s: %w", out.enterTo, err)
		}
	}

	return nil
}

// HandleClusterActive resumes requests parked behind an activation. Wire it
// to the lifecycle manager's activated callback.
func (c *Coordinator) HandleClusterActive(ctx context.Context, cluster types.ClusterID, base types.SectorCoord, owner types.WorkerID) {
	c.mu.Lock()
	waiting := c.pending[base]
	delete(c.pending, base)
	c.mu.Unlock()

	for _, in := range waiting {
		info := lifecycle.TargetInfo{
			Cluster: cluster,
			Base:    base,
			Owner:   owner,
			State:   types.ClusterActive,
		}
		if err := c.resolve(ctx, in.msg, info, in.receivedAt, true); err != nil {
			c.logger.Warn("parked transition resolution failed",
				"request", in.msg.RequestID.String(), "error", err)
			c.runHook(ctx, func(ctx context.Context) error {
				return c.hooks.OnError(ctx, err)
			})
		}
	}
}

// Sweep re-kicks activations for requests parked longer than the pending
// timeout. Idempotent: the lifecycle manager ignores activation requests for
// clusters already progressing.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	stale := make(map[types.SectorCoord]int)
	for base, waiting := range c.pending {
		for _, in := range waiting {
			if now.Sub(in.receivedAt) > c.cfg.PendingTimeout {
				stale[base]++
			}
		}
	}
	c.mu.Unlock()

	// Snapshots already rode the original activation request; re-kick
	// without them to avoid duplicates in the initial state.
	for base, count := range stale {
		c.logger.Warn("transitions still waiting on activation, re-kicking",
			"base", base.String(), "requests", count)
		c.resolver.Activate(ctx, base)
	}
}

// Quarantined reports whether the entity is halted by a consistency fault.
func (c *Coordinator) Quarantined(entity types.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.quarantined[entity]
}

// PendingCount reports how many requests are waiting on activations.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, waiting := range c.pending {
		count += len(waiting)
	}

	return count
}

func (c *Coordinator) runHook(ctx context.Context, f func(ctx context.Context) error) {
	go func() {
		if err := f(ctx); err != nil {
			c.logger.Error("transition hook failed", "error", err)
		}
	}()
}
